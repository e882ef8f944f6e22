package perps

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// BasisPointsDivisor is the denominator for all basis-point rates
const BasisPointsDivisor = 10000.0

// Direction is the side of a leveraged position
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Long {
		return "long"
	}
	return "short"
}

// Sentinel errors for the ledger, oracle and request queue.
// All operations are all-or-nothing: any of these aborts the operation
// with no state change.
var (
	ErrPriceUnavailable       = errors.New("price unavailable")
	ErrAssetNotWhitelisted    = errors.New("asset not whitelisted")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientLiquidity  = errors.New("insufficient pool liquidity")
	ErrPoolCapExceeded        = errors.New("pool cap exceeded")
	ErrBufferBreached         = errors.New("pool buffer breached")
	ErrMaxLeverage            = errors.New("max leverage exceeded")
	ErrPositionNotFound       = errors.New("position not found")
	ErrAlreadyProcessed       = errors.New("request already processed")
	ErrExpired                = errors.New("request expired")
	ErrNotExpired             = errors.New("request not expired")
	ErrUnauthorized           = errors.New("unauthorized caller")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrPriceNotSatisfied      = errors.New("price outside acceptable bound")
	ErrTriggerNotReached      = errors.New("trigger price not reached")
	ErrNotLiquidatable        = errors.New("position not liquidatable")
)

// AssetConfig holds the governance-set parameters for one pooled asset.
// Mutated only through Vault.SetAssetConfig; read on every operation.
type AssetConfig struct {
	Symbol             string
	Decimals           int
	Weight             float64 // target weight for dynamic fee skew
	MaxUSDCap          float64 // cap on recorded USD value minted against this asset
	MaxGlobalShortSize float64 // cap on aggregate short notional, USD
	BufferAmount       float64 // pool floor in asset units
	IsStable           bool
	IsShortable        bool
	MinProfitBps       float64
}

// RiskConfig is the versioned parameter set injected into the vault.
// Governance swaps the whole struct; the vault never mutates it.
type RiskConfig struct {
	Version int

	MaxLeverage       float64 // e.g. 50 means 50x
	LiquidationFeeUSD float64
	MarginFeeBps      float64

	SwapFeeBps       float64
	StableSwapFeeBps float64
	TaxBps           float64
	StableTaxBps     float64
	MintBurnFeeBps   float64
	HasDynamicFees   bool

	FundingInterval     time.Duration
	FundingRateFactor   float64 // per-interval rate at 100% utilization
	StableFundingFactor float64
	MinProfitTime       time.Duration
}

// DefaultRiskConfig returns a conservative parameter set used by tests
// and the local daemon.
func DefaultRiskConfig() *RiskConfig {
	return &RiskConfig{
		Version:             1,
		MaxLeverage:         50,
		LiquidationFeeUSD:   5,
		MarginFeeBps:        10,
		SwapFeeBps:          30,
		StableSwapFeeBps:    4,
		TaxBps:              50,
		StableTaxBps:        5,
		MintBurnFeeBps:      30,
		HasDynamicFees:      true,
		FundingInterval:     time.Hour,
		FundingRateFactor:   0.0001,
		StableFundingFactor: 0.0001,
		MinProfitTime:       3 * time.Hour,
	}
}

// Position is a leveraged exposure record keyed by
// (account, collateral asset, index asset, direction).
type Position struct {
	Account         string
	CollateralAsset string
	IndexAsset      string
	Direction       Direction

	Size         float64 // notional, USD
	Collateral   float64 // USD
	AveragePrice float64
	EntryFunding float64 // cumulative funding fraction snapshot
	Reserve      float64 // reserved amount of the collateral asset, asset units
	RealizedPnL  float64
	LastIncrease time.Time
}

// Key returns the canonical storage key for the position.
func (p *Position) Key() string {
	return PositionKey(p.Account, p.CollateralAsset, p.IndexAsset, p.Direction)
}

// Leverage returns size over collateral, or 0 for an empty position.
func (p *Position) Leverage() float64 {
	if p.Collateral <= 0 {
		return 0
	}
	return p.Size / p.Collateral
}

// PositionKey hashes the position coordinates into a stable identifier.
func PositionKey(account, collateralAsset, indexAsset string, dir Direction) string {
	h := sha3.New256()
	fmt.Fprintf(h, "%s|%s|%s|%d", account, collateralAsset, indexAsset, dir)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// FundingState is the lazy funding accumulator for one asset.
type FundingState struct {
	Asset          string
	CumulativeRate float64 // monotonically non-decreasing fraction
	LastUpdate     time.Time
}

// ShortAggregate is the derived global short exposure for one asset.
type ShortAggregate struct {
	Asset        string
	Size         float64 // USD
	AveragePrice float64
}

// Custodian moves collateral between accounts and the pool. Implementations
// must fail on insufficient balance and must not partially apply.
type Custodian interface {
	TransferIn(asset, account string, amount float64) error
	TransferOut(asset, account string, amount float64) error
}
