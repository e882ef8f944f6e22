package perps

import "time"

// Lazy funding accrual. Each operation that touches an asset first rolls the
// asset's cumulative funding fraction forward by the whole intervals elapsed
// since the last update. Partial intervals never accrue, so calling twice
// mid-interval accrues exactly the same as calling once after it.

// updateFunding advances the cumulative funding rate for an asset. Callers
// hold the vault lock.
func (v *Vault) updateFunding(asset string, now time.Time) {
	fs, ok := v.funding[asset]
	if !ok {
		fs = &FundingState{
			Asset:      asset,
			LastUpdate: now.Truncate(v.cfg.FundingInterval),
		}
		v.funding[asset] = fs
		v.persistFunding(fs)
		return
	}

	intervals := int64(now.Sub(fs.LastUpdate) / v.cfg.FundingInterval)
	if intervals <= 0 {
		return
	}

	fs.CumulativeRate += v.nextFundingRate(asset) * float64(intervals)
	fs.LastUpdate = fs.LastUpdate.Add(time.Duration(intervals) * v.cfg.FundingInterval)
	v.persistFunding(fs)
}

// nextFundingRate returns the per-interval funding fraction at the asset's
// current utilization (reserved over pool liquidity).
func (v *Vault) nextFundingRate(asset string) float64 {
	pool := v.pool[asset]
	if pool <= 0 {
		return 0
	}

	factor := v.cfg.FundingRateFactor
	if ac, ok := v.assets[asset]; ok && ac.IsStable {
		factor = v.cfg.StableFundingFactor
	}
	return factor * v.reserved[asset] / pool
}

// cumulativeFunding returns the current accumulator value for an asset.
func (v *Vault) cumulativeFunding(asset string) float64 {
	if fs, ok := v.funding[asset]; ok {
		return fs.CumulativeRate
	}
	return 0
}

// fundingFee returns the funding owed by a position since its entry
// snapshot, USD.
func (v *Vault) fundingFee(pos *Position) float64 {
	if pos.Size == 0 {
		return 0
	}
	return pos.Size * (v.cumulativeFunding(pos.CollateralAsset) - pos.EntryFunding)
}

// FundingStateFor returns a copy of the funding accumulator for an asset.
func (v *Vault) FundingStateFor(asset string) FundingState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if fs, ok := v.funding[asset]; ok {
		return *fs
	}
	return FundingState{Asset: asset}
}
