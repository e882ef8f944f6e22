package perps

import (
	"math"
	"sync"

	"github.com/luxfi/log"
)

// ShortsTracker maintains the size-weighted average entry price of the
// aggregate short exposure per asset. It is derived state: every short
// open, close or liquidation recomputes it, so aggregate PnL stays
// consistent with the sum of the individual short positions.
type ShortsTracker struct {
	aggregates map[string]*ShortAggregate
	logger     log.Logger
	mu         sync.RWMutex
}

// NewShortsTracker creates an empty tracker.
func NewShortsTracker() *ShortsTracker {
	return &ShortsTracker{
		aggregates: make(map[string]*ShortAggregate),
		logger:     log.Root().New("module", "shorts"),
	}
}

// GlobalShortSize returns the aggregate short notional for an asset, USD.
func (st *ShortsTracker) GlobalShortSize(asset string) float64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if agg, ok := st.aggregates[asset]; ok {
		return agg.Size
	}
	return 0
}

// GlobalShortAveragePrice returns the size-weighted average entry price.
func (st *ShortsTracker) GlobalShortAveragePrice(asset string) float64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if agg, ok := st.aggregates[asset]; ok {
		return agg.AveragePrice
	}
	return 0
}

// GlobalShortDelta returns the aggregate unrealized short PnL at the given
// mark price. hasProfit is from the shorts' perspective: true when the mark
// is below the average entry.
func (st *ShortsTracker) GlobalShortDelta(asset string, markPrice float64) (delta float64, hasProfit bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	agg, ok := st.aggregates[asset]
	if !ok || agg.Size == 0 || agg.AveragePrice == 0 {
		return 0, false
	}

	priceDelta := math.Abs(agg.AveragePrice - markPrice)
	delta = agg.Size * priceDelta / agg.AveragePrice
	return delta, markPrice < agg.AveragePrice
}

// Update recomputes the aggregate after a short position mutation executed
// at the given price. On increases the average moves toward the execution
// price weighted by size; on decreases the aggregate PnL realized at the
// execution price is folded out so the remaining average stays consistent.
func (st *ShortsTracker) Update(asset string, price, sizeDelta float64, isIncrease bool) {
	if sizeDelta == 0 {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	agg, ok := st.aggregates[asset]
	if !ok {
		agg = &ShortAggregate{Asset: asset}
		st.aggregates[asset] = agg
	}

	if isIncrease {
		nextSize := agg.Size + sizeDelta
		if agg.Size == 0 || agg.AveragePrice == 0 {
			agg.AveragePrice = price
		} else {
			agg.AveragePrice = (agg.AveragePrice*agg.Size + price*sizeDelta) / nextSize
		}
		agg.Size = nextSize
		return
	}

	nextSize := agg.Size - sizeDelta
	if nextSize <= 0 {
		agg.Size = 0
		agg.AveragePrice = 0
		return
	}

	// Remaining PnL at the execution price must equal total PnL minus the
	// realized share. Solving for the next average:
	//   nextSize * |next - price| / next == remaining delta
	if agg.AveragePrice > 0 {
		priceDelta := math.Abs(agg.AveragePrice - price)
		totalDelta := agg.Size * priceDelta / agg.AveragePrice
		realized := totalDelta * sizeDelta / agg.Size
		remaining := totalDelta - realized

		divisor := nextSize
		if price < agg.AveragePrice {
			divisor = nextSize - remaining
		} else {
			divisor = nextSize + remaining
		}
		if divisor > 0 {
			agg.AveragePrice = price * nextSize / divisor
		}
	}
	agg.Size = nextSize
}

// Aggregate returns a copy of the tracked state for an asset.
func (st *ShortsTracker) Aggregate(asset string) ShortAggregate {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if agg, ok := st.aggregates[asset]; ok {
		return *agg
	}
	return ShortAggregate{Asset: asset}
}

// Restore installs a previously persisted aggregate.
func (st *ShortsTracker) Restore(agg *ShortAggregate) {
	st.mu.Lock()
	defer st.mu.Unlock()
	copied := *agg
	st.aggregates[agg.Asset] = &copied
}
