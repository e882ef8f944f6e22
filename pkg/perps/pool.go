package perps

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// PoolTokenState is the persisted supply and balance snapshot of the pool
// share token.
type PoolTokenState struct {
	Supply   decimal.Decimal
	Balances map[string]decimal.Decimal
}

// PoolManager prices and issues the pool share token (PLP) against the
// vault's net asset value. Minting values the vault with maximized prices
// and the deposit with minimized ones; burning does the reverse, so a
// round trip at unchanged prices can never extract value from holders.
type PoolManager struct {
	vault *Vault

	supply   decimal.Decimal
	balances map[string]decimal.Decimal

	persist func(state *PoolTokenState)

	logger log.Logger
	mu     sync.RWMutex
}

// NewPoolManager creates a manager with zero supply.
func NewPoolManager(vault *Vault) *PoolManager {
	return &PoolManager{
		vault:    vault,
		supply:   decimal.Zero,
		balances: make(map[string]decimal.Decimal),
		logger:   log.Root().New("module", "pool"),
	}
}

// SetPersistFunc attaches a persistence hook called after every supply
// mutation.
func (pm *PoolManager) SetPersistFunc(persist func(state *PoolTokenState)) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.persist = persist
}

// Restore installs a previously persisted token state.
func (pm *PoolManager) Restore(state *PoolTokenState) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.supply = state.Supply
	pm.balances = make(map[string]decimal.Decimal, len(state.Balances))
	for acct, bal := range state.Balances {
		pm.balances[acct] = bal
	}
}

// Supply returns the outstanding pool token supply.
func (pm *PoolManager) Supply() decimal.Decimal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.supply
}

// BalanceOf returns an account's pool token balance.
func (pm *PoolManager) BalanceOf(account string) decimal.Decimal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.balances[account]
}

// TokenPrice returns the USD value of one pool token at the given valuation
// bound, or 1 when no supply exists yet.
func (pm *PoolManager) TokenPrice(maximize bool) (float64, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.tokenPrice(maximize)
}

func (pm *PoolManager) tokenPrice(maximize bool) (float64, error) {
	if pm.supply.IsZero() {
		return 1, nil
	}
	aum, err := pm.vault.AUM(maximize)
	if err != nil {
		return 0, err
	}
	supply, _ := pm.supply.Float64()
	return aum / supply, nil
}

// Mint deposits amount of asset into the pool and issues tokens at the
// pre-deposit valuation. Returns the minted token amount.
func (pm *PoolManager) Mint(account, asset string, amount float64) (decimal.Decimal, error) {
	if amount <= 0 {
		return decimal.Zero, fmt.Errorf("%w: non-positive amount", ErrInvalidRequest)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	v := pm.vault
	v.mu.Lock()
	defer v.mu.Unlock()

	ac, ok := v.assets[asset]
	if !ok {
		return decimal.Zero, ErrAssetNotWhitelisted
	}

	// Pre-deposit valuation with maximized AUM, minimized deposit price:
	// the depositor gets the fewest tokens the prices justify.
	aumBefore, err := pm.aumLocked(true)
	if err != nil {
		return decimal.Zero, err
	}
	depositPrice, err := v.feed.GetPrice(asset, false)
	if err != nil {
		return decimal.Zero, err
	}

	now := time.Now()
	v.updateFunding(asset, now)

	usdValue := amount * depositPrice
	if maxCap := ac.MaxUSDCap; maxCap > 0 && v.recordedUSD[asset]+usdValue > maxCap {
		return decimal.Zero, fmt.Errorf("%w: %s mint over cap", ErrPoolCapExceeded, asset)
	}

	feeBps := v.feeBasisPoints(asset, usdValue, v.cfg.MintBurnFeeBps, v.cfg.TaxBps, true)
	feeTokens := amount * feeBps / BasisPointsDivisor
	netAmount := amount - feeTokens
	netUSD := netAmount * depositPrice

	if err := v.custodian.TransferIn(asset, account, amount); err != nil {
		return decimal.Zero, err
	}

	v.pool[asset] += netAmount
	v.feeReserve[asset] += feeTokens
	v.recordedUSD[asset] += netUSD
	v.persistAsset(asset)

	mintUSD := decimal.NewFromFloat(netUSD)
	var minted decimal.Decimal
	if pm.supply.IsZero() || aumBefore == 0 {
		minted = mintUSD
	} else {
		minted = mintUSD.Mul(pm.supply).Div(decimal.NewFromFloat(aumBefore))
	}

	pm.supply = pm.supply.Add(minted)
	pm.balances[account] = pm.balances[account].Add(minted)
	pm.persistLocked()

	pm.logger.Info("pool mint",
		"account", account, "asset", asset, "amount", amount,
		"minted", minted.String(), "feeBps", feeBps)
	return minted, nil
}

// Burn redeems tokenAmount of pool tokens for asset at the pre-withdrawal
// valuation. Returns the asset amount paid out.
func (pm *PoolManager) Burn(account, asset string, tokenAmount decimal.Decimal) (float64, error) {
	if tokenAmount.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("%w: non-positive token amount", ErrInvalidRequest)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.balances[account].LessThan(tokenAmount) {
		return 0, fmt.Errorf("%w: pool token balance too low", ErrInvalidRequest)
	}

	v := pm.vault
	v.mu.Lock()
	defer v.mu.Unlock()

	ac, ok := v.assets[asset]
	if !ok {
		return 0, ErrAssetNotWhitelisted
	}

	// Pre-withdrawal valuation with minimized AUM, maximized redemption
	// price: the redeemer gets the least asset the prices justify.
	aum, err := pm.aumLocked(false)
	if err != nil {
		return 0, err
	}
	redeemPrice, err := v.feed.GetPrice(asset, true)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	v.updateFunding(asset, now)

	supplyF, _ := pm.supply.Float64()
	tokensF, _ := tokenAmount.Float64()
	if supplyF == 0 {
		return 0, fmt.Errorf("%w: no supply", ErrInvalidRequest)
	}
	redemptionUSD := tokensF * aum / supplyF
	amountPre := redemptionUSD / redeemPrice

	feeBps := v.feeBasisPoints(asset, redemptionUSD, v.cfg.MintBurnFeeBps, v.cfg.TaxBps, false)
	feeTokens := amountPre * feeBps / BasisPointsDivisor
	amountOut := amountPre - feeTokens

	if v.pool[asset] < amountPre {
		return 0, ErrInsufficientLiquidity
	}
	remaining := v.pool[asset] - amountPre
	if remaining < ac.BufferAmount {
		return 0, ErrBufferBreached
	}
	if v.reserved[asset] > remaining {
		return 0, ErrInsufficientLiquidity
	}

	if err := v.custodian.TransferOut(asset, account, amountOut); err != nil {
		return 0, err
	}

	v.pool[asset] -= amountPre
	v.feeReserve[asset] += feeTokens
	v.recordedUSD[asset] -= redemptionUSD
	if v.recordedUSD[asset] < 0 {
		v.recordedUSD[asset] = 0
	}
	v.persistAsset(asset)

	pm.supply = pm.supply.Sub(tokenAmount)
	pm.balances[account] = pm.balances[account].Sub(tokenAmount)
	if pm.balances[account].IsZero() {
		delete(pm.balances, account)
	}
	pm.persistLocked()

	pm.logger.Info("pool burn",
		"account", account, "asset", asset, "tokens", tokenAmount.String(),
		"amountOut", amountOut, "feeBps", feeBps)
	return amountOut, nil
}

// aumLocked computes vault AUM while the vault lock is already held.
func (pm *PoolManager) aumLocked(maximize bool) (float64, error) {
	v := pm.vault
	aum := 0.0
	for sym, ac := range v.assets {
		price, err := v.feed.GetPrice(sym, maximize)
		if err != nil {
			return 0, err
		}
		if ac.IsStable {
			aum += v.pool[sym] * price
		} else {
			aum += v.guaranteedUSD[sym]
			aum += (v.pool[sym] - v.reserved[sym]) * price
		}
		if ac.IsShortable {
			delta, shortsHaveProfit := v.shorts.GlobalShortDelta(sym, price)
			if shortsHaveProfit {
				aum -= delta
			} else {
				aum += delta
			}
		}
	}
	if aum < 0 {
		aum = 0
	}
	return aum, nil
}

// persistLocked snapshots the token state through the hook. Callers hold
// the pool lock.
func (pm *PoolManager) persistLocked() {
	if pm.persist == nil {
		return
	}
	state := &PoolTokenState{
		Supply:   pm.supply,
		Balances: make(map[string]decimal.Decimal, len(pm.balances)),
	}
	for acct, bal := range pm.balances {
		state.Balances[acct] = bal
	}
	pm.persist(state)
}
