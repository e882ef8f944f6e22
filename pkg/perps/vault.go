package perps

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// Persister receives every durable state mutation the vault makes. The
// store package implements it; a nil persister keeps the vault in-memory.
type Persister interface {
	SavePosition(pos *Position) error
	DeletePosition(key string) error
	SaveFunding(fs *FundingState) error
	SaveShortAggregate(agg *ShortAggregate) error
	SavePoolAsset(state *PoolAssetState) error
}

// PoolAssetState is the per-asset pool accounting snapshot.
type PoolAssetState struct {
	Asset         string
	PoolAmount    float64 // asset units held by the pool
	Reserved      float64 // asset units reserved for open positions
	RecordedUSD   float64 // USD value recorded against the asset
	GuaranteedUSD float64 // longs' size minus collateral, USD
	FeeReserve    float64 // accumulated fees, asset units
}

// VaultEvent is emitted after a ledger mutation commits.
type VaultEvent struct {
	Kind      string // swap | position_increase | position_decrease | liquidation
	Account   string
	Asset     string // collateral asset, or the input asset for swaps
	Index     string // index asset, or the output asset for swaps
	VolumeUSD float64
	Timestamp time.Time
}

// Vault is the margin ledger: it owns all pooled collateral, the open
// positions, the funding accumulators and the fee reserves. Every operation
// either fully applies or fully aborts.
type Vault struct {
	cfg    *RiskConfig
	assets map[string]*AssetConfig

	feed      *PriceFeed
	shorts    *ShortsTracker
	custodian Custodian
	persister Persister

	pool          map[string]float64
	reserved      map[string]float64
	recordedUSD   map[string]float64
	guaranteedUSD map[string]float64
	feeReserve    map[string]float64
	funding       map[string]*FundingState
	positions     map[string]*Position

	liquidators map[string]bool
	feeReceiver string

	Events chan *VaultEvent

	logger log.Logger
	mu     sync.RWMutex
}

// NewVault creates a ledger with no assets whitelisted.
func NewVault(cfg *RiskConfig, feed *PriceFeed, shorts *ShortsTracker, custodian Custodian) *Vault {
	return &Vault{
		cfg:           cfg,
		assets:        make(map[string]*AssetConfig),
		feed:          feed,
		shorts:        shorts,
		custodian:     custodian,
		pool:          make(map[string]float64),
		reserved:      make(map[string]float64),
		recordedUSD:   make(map[string]float64),
		guaranteedUSD: make(map[string]float64),
		feeReserve:    make(map[string]float64),
		funding:       make(map[string]*FundingState),
		positions:     make(map[string]*Position),
		liquidators:   make(map[string]bool),
		Events:        make(chan *VaultEvent, 4096),
		logger:        log.Root().New("module", "vault"),
	}
}

func (v *Vault) emit(kind, account, asset, index string, volumeUSD float64) {
	event := &VaultEvent{
		Kind:      kind,
		Account:   account,
		Asset:     asset,
		Index:     index,
		VolumeUSD: volumeUSD,
		Timestamp: time.Now(),
	}
	select {
	case v.Events <- event:
	default:
		// Channel full, drop event
	}
}

// SetConfig swaps in a new versioned risk parameter set.
func (v *Vault) SetConfig(cfg *RiskConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logger.Info("risk config updated", "version", cfg.Version)
	v.cfg = cfg
}

// Config returns the active risk parameter set.
func (v *Vault) Config() *RiskConfig {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// SetAssetConfig whitelists an asset or updates its parameters.
func (v *Vault) SetAssetConfig(ac *AssetConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.assets[ac.Symbol] = ac
	v.feed.SetStable(ac.Symbol, ac.IsStable)
}

// AssetConfigFor returns the configuration for an asset.
func (v *Vault) AssetConfigFor(asset string) (*AssetConfig, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ac, ok := v.assets[asset]
	return ac, ok
}

// Assets returns the whitelisted asset symbols.
func (v *Vault) Assets() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	symbols := make([]string, 0, len(v.assets))
	for sym := range v.assets {
		symbols = append(symbols, sym)
	}
	return symbols
}

// SetLiquidator grants or revokes the liquidator capability.
func (v *Vault) SetLiquidator(addr string, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ok {
		v.liquidators[addr] = true
	} else {
		delete(v.liquidators, addr)
	}
}

// SetFeeReceiver sets the address allowed to withdraw accumulated fees.
func (v *Vault) SetFeeReceiver(addr string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feeReceiver = addr
}

// SetPersister attaches a durable store. Call before first use.
func (v *Vault) SetPersister(p Persister) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.persister = p
}

// RestorePosition installs a previously persisted position.
func (v *Vault) RestorePosition(pos *Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	copied := *pos
	v.positions[pos.Key()] = &copied
}

// RestoreFunding installs a previously persisted funding accumulator.
func (v *Vault) RestoreFunding(fs *FundingState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	copied := *fs
	v.funding[fs.Asset] = &copied
}

// RestorePoolAsset installs a previously persisted pool snapshot.
func (v *Vault) RestorePoolAsset(state *PoolAssetState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pool[state.Asset] = state.PoolAmount
	v.reserved[state.Asset] = state.Reserved
	v.recordedUSD[state.Asset] = state.RecordedUSD
	v.guaranteedUSD[state.Asset] = state.GuaranteedUSD
	v.feeReserve[state.Asset] = state.FeeReserve
}

// DirectPoolDeposit moves tokens from an account straight into the pool
// without minting anything against them.
func (v *Vault) DirectPoolDeposit(account, asset string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrInvalidRequest)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.assets[asset]; !ok {
		return ErrAssetNotWhitelisted
	}
	if err := v.custodian.TransferIn(asset, account, amount); err != nil {
		return err
	}

	v.pool[asset] += amount
	v.persistAsset(asset)
	v.logger.Info("direct pool deposit", "asset", asset, "amount", amount, "account", account)
	return nil
}

// Swap exchanges amountIn of assetIn for assetOut at oracle prices, charging
// the skew-aware dynamic fee in the output asset. minOut of 0 disables the
// slippage bound.
func (v *Vault) Swap(account, assetIn, assetOut string, amountIn, minOut float64) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.swap(account, assetIn, assetOut, amountIn, minOut, false)
}

// swap is the lock-held body. escrowed marks the input amount as already
// held by the custodian (request queue escrow), so it is not pulled again.
func (v *Vault) swap(account, assetIn, assetOut string, amountIn, minOut float64, escrowed bool) (float64, error) {
	if amountIn <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount", ErrInvalidRequest)
	}
	if assetIn == assetOut {
		return 0, fmt.Errorf("%w: same asset on both legs", ErrInvalidRequest)
	}

	if _, ok := v.assets[assetIn]; !ok {
		return 0, ErrAssetNotWhitelisted
	}
	if _, ok := v.assets[assetOut]; !ok {
		return 0, ErrAssetNotWhitelisted
	}

	now := time.Now()
	v.updateFunding(assetIn, now)
	v.updateFunding(assetOut, now)

	priceIn, err := v.feed.GetPrice(assetIn, false)
	if err != nil {
		return 0, err
	}
	priceOut, err := v.feed.GetPrice(assetOut, true)
	if err != nil {
		return 0, err
	}

	usdValue := amountIn * priceIn
	amountOutPre := usdValue / priceOut
	feeBps := v.swapFeeBasisPoints(assetIn, assetOut, usdValue)
	fee := amountOutPre * feeBps / BasisPointsDivisor
	amountOut := amountOutPre - fee

	if minOut > 0 && amountOut < minOut {
		return 0, fmt.Errorf("%w: out %.8f below min %.8f", ErrPriceNotSatisfied, amountOut, minOut)
	}

	if maxCap := v.assets[assetIn].MaxUSDCap; maxCap > 0 && v.recordedUSD[assetIn]+usdValue > maxCap {
		return 0, fmt.Errorf("%w: %s recorded value %.2f + %.2f over cap %.2f",
			ErrPoolCapExceeded, assetIn, v.recordedUSD[assetIn], usdValue, maxCap)
	}
	if v.pool[assetOut] < amountOutPre {
		return 0, ErrInsufficientLiquidity
	}
	remaining := v.pool[assetOut] - amountOutPre
	if remaining < v.assets[assetOut].BufferAmount {
		return 0, ErrBufferBreached
	}
	if v.reserved[assetOut] > remaining {
		return 0, ErrInsufficientLiquidity
	}

	if !escrowed {
		if err := v.custodian.TransferIn(assetIn, account, amountIn); err != nil {
			return 0, err
		}
	}
	if err := v.custodian.TransferOut(assetOut, account, amountOut); err != nil {
		if !escrowed {
			// Undo the pull so the swap leaves no trace.
			v.custodian.TransferOut(assetIn, account, amountIn)
		}
		return 0, err
	}

	v.pool[assetIn] += amountIn
	v.recordedUSD[assetIn] += usdValue
	v.pool[assetOut] -= amountOutPre
	v.feeReserve[assetOut] += fee
	v.recordedUSD[assetOut] -= usdValue
	if v.recordedUSD[assetOut] < 0 {
		v.recordedUSD[assetOut] = 0
	}

	v.persistAsset(assetIn)
	v.persistAsset(assetOut)
	v.emit("swap", account, assetIn, assetOut, usdValue)
	v.logger.Info("swap",
		"account", account, "in", assetIn, "out", assetOut,
		"amountIn", amountIn, "amountOut", amountOut, "feeBps", feeBps)
	return amountOut, nil
}

// IncreasePosition opens or grows a leveraged position. collateralDelta is
// in collateral-asset units and is pulled through the custodian; sizeDelta
// is notional USD.
func (v *Vault) IncreasePosition(account, collateralAsset, indexAsset string, dir Direction, collateralDelta, sizeDelta float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.increasePosition(account, collateralAsset, indexAsset, dir, collateralDelta, sizeDelta, false)
}

func (v *Vault) increasePosition(account, collateralAsset, indexAsset string, dir Direction, collateralDelta, sizeDelta float64, escrowed bool) error {
	if sizeDelta < 0 || collateralDelta < 0 || (sizeDelta == 0 && collateralDelta == 0) {
		return fmt.Errorf("%w: empty increase", ErrInvalidRequest)
	}

	if err := v.validatePair(collateralAsset, indexAsset, dir); err != nil {
		return err
	}

	now := time.Now()
	v.updateFunding(collateralAsset, now)

	markPrice, err := v.feed.GetPrice(indexAsset, dir == Long)
	if err != nil {
		return err
	}
	collateralPrice, err := v.feed.GetPrice(collateralAsset, false)
	if err != nil {
		return err
	}

	key := PositionKey(account, collateralAsset, indexAsset, dir)
	pos, exists := v.positions[key]
	if !exists {
		pos = &Position{
			Account:         account,
			CollateralAsset: collateralAsset,
			IndexAsset:      indexAsset,
			Direction:       dir,
		}
	}

	prevSize, prevCollateral := pos.Size, pos.Collateral

	avgPrice := pos.AveragePrice
	if pos.Size == 0 {
		avgPrice = markPrice
	} else if sizeDelta > 0 {
		avgPrice = (pos.AveragePrice*pos.Size + markPrice*sizeDelta) / (pos.Size + sizeDelta)
	}

	fundingOwed := v.fundingFee(pos)
	marginFee := sizeDelta * v.cfg.MarginFeeBps / BasisPointsDivisor
	feesUSD := fundingOwed + marginFee

	collateralDeltaUSD := collateralDelta * collateralPrice
	newCollateral := pos.Collateral + collateralDeltaUSD - feesUSD
	newSize := pos.Size + sizeDelta
	if newCollateral <= 0 {
		return fmt.Errorf("%w: fees exceed collateral", ErrInsufficientCollateral)
	}
	if newSize < newCollateral {
		return fmt.Errorf("%w: size below collateral", ErrInvalidRequest)
	}
	if newSize/newCollateral > v.cfg.MaxLeverage {
		return fmt.Errorf("%w: leverage %.2fx over %.2fx",
			ErrInsufficientCollateral, newSize/newCollateral, v.cfg.MaxLeverage)
	}

	reserveDelta := sizeDelta / collateralPrice
	poolAfter := v.pool[collateralAsset]
	if dir == Long {
		poolAfter += collateralDelta
	}
	if v.reserved[collateralAsset]+reserveDelta > poolAfter {
		return ErrInsufficientLiquidity
	}

	if dir == Short {
		if maxCap := v.assets[indexAsset].MaxGlobalShortSize; maxCap > 0 &&
			v.shorts.GlobalShortSize(indexAsset)+sizeDelta > maxCap {
			return fmt.Errorf("%w: global short size over cap", ErrPoolCapExceeded)
		}
	}

	if collateralDelta > 0 && !escrowed {
		if err := v.custodian.TransferIn(collateralAsset, account, collateralDelta); err != nil {
			return err
		}
	}

	pos.AveragePrice = avgPrice
	pos.Size = newSize
	pos.Collateral = newCollateral
	pos.EntryFunding = v.cumulativeFunding(collateralAsset)
	pos.Reserve += reserveDelta
	pos.LastIncrease = now
	v.positions[key] = pos

	v.reserved[collateralAsset] += reserveDelta
	feeTokens := feesUSD / collateralPrice
	v.feeReserve[collateralAsset] += feeTokens

	if dir == Long {
		v.pool[collateralAsset] += collateralDelta - feeTokens
		v.guaranteedUSD[collateralAsset] += (newSize - newCollateral) - (prevSize - prevCollateral)
	} else {
		v.shorts.Update(indexAsset, markPrice, sizeDelta, true)
		v.persistShorts(indexAsset)
	}

	v.persistAsset(collateralAsset)
	v.persistPosition(pos)
	v.emit("position_increase", account, collateralAsset, indexAsset, sizeDelta)
	v.logger.Info("increase position",
		"account", account, "index", indexAsset, "dir", dir.String(),
		"sizeDelta", sizeDelta, "collateral", pos.Collateral, "price", markPrice)
	return nil
}

// DecreasePosition shrinks or closes a position, realizing PnL capped by the
// available collateral. collateralDelta is the requested collateral
// withdrawal in USD; the payout is returned in collateral-asset units.
func (v *Vault) DecreasePosition(account, collateralAsset, indexAsset string, dir Direction, collateralDelta, sizeDelta float64, receiver string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.decreasePosition(account, collateralAsset, indexAsset, dir, collateralDelta, sizeDelta, receiver)
}

func (v *Vault) decreasePosition(account, collateralAsset, indexAsset string, dir Direction, collateralDelta, sizeDelta float64, receiver string) (float64, error) {
	key := PositionKey(account, collateralAsset, indexAsset, dir)
	pos, exists := v.positions[key]
	if !exists || pos.Size == 0 {
		return 0, ErrPositionNotFound
	}
	if sizeDelta <= 0 || sizeDelta > pos.Size {
		return 0, fmt.Errorf("%w: bad size delta", ErrInvalidRequest)
	}
	if collateralDelta < 0 || collateralDelta > pos.Collateral {
		return 0, fmt.Errorf("%w: bad collateral delta", ErrInvalidRequest)
	}

	now := time.Now()
	v.updateFunding(collateralAsset, now)

	markPrice, err := v.feed.GetPrice(indexAsset, dir == Short)
	if err != nil {
		return 0, err
	}
	collateralPrice, err := v.feed.GetPrice(collateralAsset, true)
	if err != nil {
		return 0, err
	}

	delta, hasProfit := v.positionDelta(pos, markPrice, now)
	adjusted := delta * sizeDelta / pos.Size

	fundingOwed := v.fundingFee(pos)
	marginFee := sizeDelta * v.cfg.MarginFeeBps / BasisPointsDivisor
	feesUSD := fundingOwed + marginFee

	newCollateral := pos.Collateral
	usdOut := 0.0
	if hasProfit {
		usdOut += adjusted
	} else {
		// A position whose losses and fees eat the whole collateral is
		// liquidation territory, not a voluntary decrease.
		if adjusted+feesUSD > newCollateral {
			return 0, fmt.Errorf("%w: losses exceed collateral", ErrInsufficientCollateral)
		}
		newCollateral -= adjusted
	}

	usdOut += collateralDelta
	newCollateral -= collateralDelta

	usdOutAfterFee := usdOut
	if usdOutAfterFee >= feesUSD {
		usdOutAfterFee -= feesUSD
	} else {
		newCollateral -= feesUSD - usdOutAfterFee
		usdOutAfterFee = 0
	}

	newSize := pos.Size - sizeDelta
	fullClose := newSize == 0
	if fullClose {
		usdOutAfterFee += newCollateral
		newCollateral = 0
		if usdOutAfterFee < 0 {
			return 0, fmt.Errorf("%w: fees exceed collateral", ErrInsufficientCollateral)
		}
	} else {
		if newCollateral <= 0 {
			return 0, fmt.Errorf("%w: no collateral would remain", ErrInsufficientCollateral)
		}
		if newSize/newCollateral > v.cfg.MaxLeverage {
			return 0, fmt.Errorf("%w: remaining leverage too high", ErrInsufficientCollateral)
		}
	}

	reserveDelta := pos.Reserve * sizeDelta / pos.Size
	tokensOut := usdOutAfterFee / collateralPrice
	feeTokens := feesUSD / collateralPrice

	if dir == Long {
		if v.pool[collateralAsset] < tokensOut+feeTokens {
			return 0, ErrInsufficientLiquidity
		}
	} else if hasProfit {
		if v.pool[collateralAsset] < adjusted/collateralPrice {
			return 0, ErrInsufficientLiquidity
		}
	}

	if tokensOut > 0 {
		if err := v.custodian.TransferOut(collateralAsset, receiver, tokensOut); err != nil {
			return 0, err
		}
	}

	prevSize, prevCollateral := pos.Size, pos.Collateral
	pos.Size = newSize
	pos.Collateral = newCollateral
	pos.Reserve -= reserveDelta
	pos.EntryFunding = v.cumulativeFunding(collateralAsset)
	if hasProfit {
		pos.RealizedPnL += adjusted
	} else {
		pos.RealizedPnL -= adjusted
	}

	v.reserved[collateralAsset] -= reserveDelta
	v.feeReserve[collateralAsset] += feeTokens

	if dir == Long {
		v.pool[collateralAsset] -= tokensOut + feeTokens
		v.guaranteedUSD[collateralAsset] += (newSize - newCollateral) - (prevSize - prevCollateral)
	} else {
		if hasProfit {
			v.pool[collateralAsset] -= adjusted / collateralPrice
		} else {
			v.pool[collateralAsset] += adjusted / collateralPrice
		}
		v.shorts.Update(indexAsset, markPrice, sizeDelta, false)
		v.persistShorts(indexAsset)
	}

	if fullClose {
		delete(v.positions, key)
		v.deletePosition(key)
	} else {
		v.persistPosition(pos)
	}
	v.persistAsset(collateralAsset)

	v.emit("position_decrease", account, collateralAsset, indexAsset, sizeDelta)
	v.logger.Info("decrease position",
		"account", account, "index", indexAsset, "dir", dir.String(),
		"sizeDelta", sizeDelta, "pnl", adjusted, "profit", hasProfit,
		"closed", fullClose, "price", markPrice)
	return tokensOut, nil
}

// IsLiquidatable reports whether a position can be liquidated at current
// prices, without mutating anything.
func (v *Vault) IsLiquidatable(account, collateralAsset, indexAsset string, dir Direction) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	pos, exists := v.positions[PositionKey(account, collateralAsset, indexAsset, dir)]
	if !exists || pos.Size == 0 {
		return false, ErrPositionNotFound
	}

	markPrice, err := v.feed.GetPrice(indexAsset, dir == Short)
	if err != nil {
		return false, err
	}
	liquidatable, _, _ := v.checkLiquidation(pos, markPrice, time.Now())
	return liquidatable, nil
}

// LiquidatePosition force-closes an underwater position. Callable only by
// the permissioned liquidator set; pays the liquidation fee to the caller
// and returns any residual collateral to the account.
func (v *Vault) LiquidatePosition(liquidator, account, collateralAsset, indexAsset string, dir Direction) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.liquidators[liquidator] {
		return ErrUnauthorized
	}

	key := PositionKey(account, collateralAsset, indexAsset, dir)
	pos, exists := v.positions[key]
	if !exists || pos.Size == 0 {
		return ErrPositionNotFound
	}

	now := time.Now()
	v.updateFunding(collateralAsset, now)

	markPrice, err := v.feed.GetPrice(indexAsset, dir == Short)
	if err != nil {
		return err
	}
	collateralPrice, err := v.feed.GetPrice(collateralAsset, true)
	if err != nil {
		return err
	}

	liquidatable, loss, feesUSD := v.checkLiquidation(pos, markPrice, now)
	if !liquidatable {
		return ErrNotLiquidatable
	}

	remaining := pos.Collateral - loss
	if remaining < 0 {
		loss = pos.Collateral
		remaining = 0
	}
	paidFees := feesUSD
	if paidFees > remaining {
		paidFees = remaining
	}
	remaining -= paidFees

	liqFee := v.cfg.LiquidationFeeUSD
	if liqFee > remaining {
		liqFee = remaining
	}
	residual := remaining - liqFee

	feeTokens := paidFees / collateralPrice
	liqFeeTokens := liqFee / collateralPrice
	residualTokens := residual / collateralPrice

	if liqFeeTokens > 0 {
		if err := v.custodian.TransferOut(collateralAsset, liquidator, liqFeeTokens); err != nil {
			return err
		}
	}
	if residualTokens > 0 {
		if err := v.custodian.TransferOut(collateralAsset, account, residualTokens); err != nil {
			return err
		}
	}

	v.reserved[collateralAsset] -= pos.Reserve
	v.feeReserve[collateralAsset] += feeTokens

	if dir == Long {
		// Collateral tokens already sit in the pool; the payouts leave it,
		// the loss stays behind.
		v.pool[collateralAsset] -= feeTokens + liqFeeTokens + residualTokens
		v.guaranteedUSD[collateralAsset] -= pos.Size - pos.Collateral
	} else {
		v.pool[collateralAsset] += loss / collateralPrice
		v.shorts.Update(indexAsset, markPrice, pos.Size, false)
		v.persistShorts(indexAsset)
	}

	delete(v.positions, key)
	v.deletePosition(key)
	v.persistAsset(collateralAsset)

	v.emit("liquidation", account, collateralAsset, indexAsset, pos.Size)
	v.logger.Info("liquidated position",
		"account", account, "index", indexAsset, "dir", dir.String(),
		"size", pos.Size, "loss", loss, "liquidator", liquidator, "price", markPrice)
	return nil
}

// WithdrawFees pays out an asset's accumulated fee reserve. Only the
// configured fee receiver may call it.
func (v *Vault) WithdrawFees(caller, asset string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.feeReceiver || v.feeReceiver == "" {
		return 0, ErrUnauthorized
	}
	amount := v.feeReserve[asset]
	if amount == 0 {
		return 0, nil
	}
	if err := v.custodian.TransferOut(asset, caller, amount); err != nil {
		return 0, err
	}
	v.feeReserve[asset] = 0
	v.persistAsset(asset)
	v.logger.Info("fees withdrawn", "asset", asset, "amount", amount)
	return amount, nil
}

// GetPosition returns a copy of a position, if it exists.
func (v *Vault) GetPosition(account, collateralAsset, indexAsset string, dir Direction) (Position, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pos, ok := v.positions[PositionKey(account, collateralAsset, indexAsset, dir)]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// PositionsFor returns copies of all open positions for an account.
func (v *Vault) PositionsFor(account string) []Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Position, 0)
	for _, pos := range v.positions {
		if pos.Account == account {
			out = append(out, *pos)
		}
	}
	return out
}

// PoolState returns the pool accounting snapshot for an asset.
func (v *Vault) PoolState(asset string) PoolAssetState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.poolState(asset)
}

func (v *Vault) poolState(asset string) PoolAssetState {
	return PoolAssetState{
		Asset:         asset,
		PoolAmount:    v.pool[asset],
		Reserved:      v.reserved[asset],
		RecordedUSD:   v.recordedUSD[asset],
		GuaranteedUSD: v.guaranteedUSD[asset],
		FeeReserve:    v.feeReserve[asset],
	}
}

// AUM values the whole pool at current prices, net of the unrealized PnL
// owed to open positions. maximize selects the favor-protocol price bound.
func (v *Vault) AUM(maximize bool) (float64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	aum := 0.0
	for sym, ac := range v.assets {
		price, err := v.feed.GetPrice(sym, maximize)
		if err != nil {
			return 0, err
		}

		if ac.IsStable {
			aum += v.pool[sym] * price
		} else {
			// Longs: the guaranteed USD plus the unreserved pool value
			// captures pool exposure net of long PnL.
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

// positionDelta computes the unrealized PnL of a position at markPrice,
// applying the min-profit haircut within the minimum holding time.
func (v *Vault) positionDelta(pos *Position, markPrice float64, now time.Time) (delta float64, hasProfit bool) {
	if pos.AveragePrice == 0 || pos.Size == 0 {
		return 0, false
	}

	priceDelta := absFloat(markPrice - pos.AveragePrice)
	delta = pos.Size * priceDelta / pos.AveragePrice
	if pos.Direction == Long {
		hasProfit = markPrice > pos.AveragePrice
	} else {
		hasProfit = markPrice < pos.AveragePrice
	}

	// Profit below the configured threshold is zeroed inside the minimum
	// holding window to dampen feed-latency arbitrage.
	if hasProfit && now.Sub(pos.LastIncrease) < v.cfg.MinProfitTime {
		minProfitBps := 0.0
		if ac, ok := v.assets[pos.IndexAsset]; ok {
			minProfitBps = ac.MinProfitBps
		}
		if delta*BasisPointsDivisor <= pos.Size*minProfitBps {
			delta = 0
		}
	}
	return delta, hasProfit
}

// checkLiquidation reports whether a position is past the liquidation
// threshold at markPrice, with the loss and fee components.
func (v *Vault) checkLiquidation(pos *Position, markPrice float64, now time.Time) (liquidatable bool, loss, feesUSD float64) {
	delta, hasProfit := v.positionDelta(pos, markPrice, now)
	if !hasProfit {
		loss = delta
	}

	feesUSD = v.fundingFee(pos) + pos.Size*v.cfg.MarginFeeBps/BasisPointsDivisor

	if loss >= pos.Collateral {
		return true, loss, feesUSD
	}
	if pos.Collateral-loss-feesUSD < v.cfg.LiquidationFeeUSD {
		return true, loss, feesUSD
	}
	return false, loss, feesUSD
}

// validatePair enforces the long/short collateral rules. Callers hold the
// vault lock.
func (v *Vault) validatePair(collateralAsset, indexAsset string, dir Direction) error {
	cc, ok := v.assets[collateralAsset]
	if !ok {
		return ErrAssetNotWhitelisted
	}
	ic, ok := v.assets[indexAsset]
	if !ok {
		return ErrAssetNotWhitelisted
	}

	if dir == Long {
		if collateralAsset != indexAsset {
			return fmt.Errorf("%w: long collateral must be the index asset", ErrInvalidRequest)
		}
		if cc.IsStable {
			return fmt.Errorf("%w: long index must not be stable", ErrInvalidRequest)
		}
		return nil
	}

	if !cc.IsStable {
		return fmt.Errorf("%w: short collateral must be stable", ErrInvalidRequest)
	}
	if ic.IsStable || !ic.IsShortable {
		return fmt.Errorf("%w: index not shortable", ErrInvalidRequest)
	}
	return nil
}

// Persistence hooks. Failures are logged, never propagated: the in-memory
// ledger remains authoritative within a process lifetime.

func (v *Vault) persistPosition(pos *Position) {
	if v.persister == nil {
		return
	}
	if err := v.persister.SavePosition(pos); err != nil {
		v.logger.Error("persist position failed", "key", pos.Key(), "error", err)
	}
}

func (v *Vault) deletePosition(key string) {
	if v.persister == nil {
		return
	}
	if err := v.persister.DeletePosition(key); err != nil {
		v.logger.Error("delete position failed", "key", key, "error", err)
	}
}

func (v *Vault) persistFunding(fs *FundingState) {
	if v.persister == nil {
		return
	}
	if err := v.persister.SaveFunding(fs); err != nil {
		v.logger.Error("persist funding failed", "asset", fs.Asset, "error", err)
	}
}

func (v *Vault) persistShorts(asset string) {
	if v.persister == nil {
		return
	}
	agg := v.shorts.Aggregate(asset)
	if err := v.persister.SaveShortAggregate(&agg); err != nil {
		v.logger.Error("persist shorts failed", "asset", asset, "error", err)
	}
}

func (v *Vault) persistAsset(asset string) {
	if v.persister == nil {
		return
	}
	state := v.poolState(asset)
	if err := v.persister.SavePoolAsset(&state); err != nil {
		v.logger.Error("persist pool asset failed", "asset", asset, "error", err)
	}
}
