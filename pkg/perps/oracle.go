package perps

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// FeedSource is one upstream price feed. The aggregator polls, it is never
// pushed to.
type FeedSource interface {
	LatestPrice(symbol string) (price float64, at time.Time, err error)
}

// FeedConfig holds the governance-set guards for the aggregator.
type FeedConfig struct {
	// Secondary feed is trusted only within this window of its last update.
	Staleness time.Duration
	// Secondary price is clamped to within this band around the reference.
	MaxDeviationBps float64
	// Half-spread applied around the aggregated price.
	SpreadBps float64
	// Strict-stable assets are clamped to peg +- this absolute band.
	StableBandUSD float64
	StablePegUSD  float64
}

// DefaultFeedConfig returns the guard set used by tests and the local daemon.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Staleness:       time.Minute,
		MaxDeviationBps: 150,
		SpreadBps:       0,
		StableBandUSD:   0.01,
		StablePegUSD:    1.0,
	}
}

// PriceUpdate is emitted whenever a caller observes a fresh aggregated price.
type PriceUpdate struct {
	Asset     string
	Price     float64
	Timestamp time.Time
}

// PriceFeed combines a slow reference feed per asset with an optional shared
// fast feed, applying deviation, spread and strict-stable guards. It is the
// only price source the ledger and the request queue consult.
type PriceFeed struct {
	cfg       FeedConfig
	primary   map[string]FeedSource
	secondary FeedSource
	stable    map[string]bool
	spreadBps map[string]float64 // per-asset override, falls back to cfg.SpreadBps

	Updates chan *PriceUpdate

	logger log.Logger
	mu     sync.RWMutex
}

// NewPriceFeed creates an aggregator with no sources registered.
func NewPriceFeed(cfg FeedConfig) *PriceFeed {
	return &PriceFeed{
		cfg:       cfg,
		primary:   make(map[string]FeedSource),
		secondary: nil,
		stable:    make(map[string]bool),
		spreadBps: make(map[string]float64),
		Updates:   make(chan *PriceUpdate, 4096),
		logger:    log.Root().New("module", "pricefeed"),
	}
}

// SetPrimarySource registers the slow reference feed for an asset.
func (pf *PriceFeed) SetPrimarySource(asset string, src FeedSource) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.primary[asset] = src
}

// SetSecondarySource registers the shared fast feed. Passing nil disables it.
func (pf *PriceFeed) SetSecondarySource(src FeedSource) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.secondary = src
}

// SetStable marks an asset as strict-stable.
func (pf *PriceFeed) SetStable(asset string, stable bool) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.stable[asset] = stable
}

// SetSpreadBps overrides the half-spread for one asset.
func (pf *PriceFeed) SetSpreadBps(asset string, bps float64) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.spreadBps[asset] = bps
}

// GetPrice returns the aggregated price for an asset. maximize selects the
// higher of the bid/ask-equivalent bounds so that callers round in the
// protocol's favor. Returns ErrPriceUnavailable when no reference price
// exists; callers must abort their operation on that error.
func (pf *PriceFeed) GetPrice(asset string, maximize bool) (float64, error) {
	pf.mu.RLock()
	src, ok := pf.primary[asset]
	secondary := pf.secondary
	isStable := pf.stable[asset]
	spread, hasSpread := pf.spreadBps[asset]
	pf.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s has no primary source", ErrPriceUnavailable, asset)
	}

	ref, _, err := src.LatestPrice(asset)
	if err != nil || ref <= 0 {
		return 0, fmt.Errorf("%w: %s reference feed", ErrPriceUnavailable, asset)
	}

	price := ref
	if secondary != nil {
		fast, at, ferr := secondary.LatestPrice(asset)
		if ferr == nil && fast > 0 && time.Since(at) <= pf.cfg.Staleness {
			price = clampToBand(fast, ref, pf.cfg.MaxDeviationBps)
		}
	}

	if isStable {
		price = pf.clampStable(price, maximize)
	}

	if !hasSpread {
		spread = pf.cfg.SpreadBps
	}
	if spread > 0 {
		if maximize {
			price *= 1 + spread/BasisPointsDivisor
		} else {
			price *= 1 - spread/BasisPointsDivisor
		}
	}

	pf.publish(asset, price)
	return price, nil
}

// clampStable forces a strict-stable price into the configured peg band.
// With maximize the result never drops below the peg, so stablecoin depeg
// noise cannot inflate the value of collateral.
func (pf *PriceFeed) clampStable(price float64, maximize bool) float64 {
	peg := pf.cfg.StablePegUSD
	band := pf.cfg.StableBandUSD

	if price > peg+band {
		price = peg + band
	}
	if price < peg-band {
		price = peg - band
	}
	if maximize && price < peg {
		price = peg
	}
	return price
}

func (pf *PriceFeed) publish(asset string, price float64) {
	update := &PriceUpdate{Asset: asset, Price: price, Timestamp: time.Now()}
	select {
	case pf.Updates <- update:
	default:
		// Channel full, drop update
	}
}

// clampToBand bounds value to within maxDeviationBps of ref.
func clampToBand(value, ref, maxDeviationBps float64) float64 {
	band := ref * maxDeviationBps / BasisPointsDivisor
	if value > ref+band {
		return ref + band
	}
	if value < ref-band {
		return ref - band
	}
	return value
}

// StaticSource is a FeedSource backed by a settable map. Used by tests and
// the simulated feeds in cmd/perpd.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]float64
	times  map[string]time.Time
}

// NewStaticSource creates an empty static feed.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		prices: make(map[string]float64),
		times:  make(map[string]time.Time),
	}
}

// SetPrice records a price observation at the current time.
func (s *StaticSource) SetPrice(symbol string, price float64) {
	s.SetPriceAt(symbol, price, time.Now())
}

// SetPriceAt records a price observation with an explicit timestamp.
func (s *StaticSource) SetPriceAt(symbol string, price float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	s.times[symbol] = at
}

// LatestPrice implements FeedSource.
func (s *StaticSource) LatestPrice(symbol string) (float64, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[symbol]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("no price for %s", symbol)
	}
	return price, s.times[symbol], nil
}
