package perps

// Dynamic fee skew. Swaps and pool token mints/burns pay a basis-point fee
// that increases when the operation pushes an asset's recorded USD share
// further from its target weight and decreases (down to zero) when it
// corrects the skew. Margin fees are flat.

// targetUSDValue returns the USD value the asset should hold given its
// weight share of the total recorded value.
func (v *Vault) targetUSDValue(asset string) float64 {
	total := 0.0
	weights := 0.0
	for sym, ac := range v.assets {
		total += v.recordedUSD[sym]
		weights += ac.Weight
	}
	ac, ok := v.assets[asset]
	if !ok || weights == 0 {
		return 0
	}
	return total * ac.Weight / weights
}

// feeBasisPoints computes the skew-aware fee for moving usdDelta of recorded
// value into (increment) or out of (decrement) an asset. Callers hold the
// vault lock.
func (v *Vault) feeBasisPoints(asset string, usdDelta, baseFeeBps, taxBps float64, increment bool) float64 {
	if !v.cfg.HasDynamicFees {
		return baseFeeBps
	}

	initial := v.recordedUSD[asset]
	next := initial + usdDelta
	if !increment {
		next = initial - usdDelta
		if next < 0 {
			next = 0
		}
	}

	target := v.targetUSDValue(asset)
	if target == 0 {
		return baseFeeBps
	}

	initialDiff := absFloat(initial - target)
	nextDiff := absFloat(next - target)

	// Moving toward the target earns a rebate proportional to how far off
	// the pool currently is.
	if nextDiff < initialDiff {
		rebate := taxBps * initialDiff / target
		if rebate > baseFeeBps {
			return 0
		}
		return baseFeeBps - rebate
	}

	avgDiff := (initialDiff + nextDiff) / 2
	if avgDiff > target {
		avgDiff = target
	}
	return baseFeeBps + taxBps*avgDiff/target
}

// swapFeeBasisPoints picks the worse of the two legs' skew fees, using the
// stable tier when both assets are stable.
func (v *Vault) swapFeeBasisPoints(assetIn, assetOut string, usdValue float64) float64 {
	baseBps := v.cfg.SwapFeeBps
	taxBps := v.cfg.TaxBps
	if v.assets[assetIn].IsStable && v.assets[assetOut].IsStable {
		baseBps = v.cfg.StableSwapFeeBps
		taxBps = v.cfg.StableTaxBps
	}

	feesIn := v.feeBasisPoints(assetIn, usdValue, baseBps, taxBps, true)
	feesOut := v.feeBasisPoints(assetOut, usdValue, baseBps, taxBps, false)
	if feesIn > feesOut {
		return feesIn
	}
	return feesOut
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
