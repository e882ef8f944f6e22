package perps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortsIncreaseWeightsAverage(t *testing.T) {
	st := NewShortsTracker()

	st.Update("ETH", 2000, 10000, true)
	assert.Equal(t, 10000.0, st.GlobalShortSize("ETH"))
	assert.Equal(t, 2000.0, st.GlobalShortAveragePrice("ETH"))

	st.Update("ETH", 2200, 10000, true)
	assert.Equal(t, 20000.0, st.GlobalShortSize("ETH"))
	assert.InDelta(t, 2100.0, st.GlobalShortAveragePrice("ETH"), 1e-9)
}

func TestShortsDelta(t *testing.T) {
	st := NewShortsTracker()
	st.Update("ETH", 2000, 10000, true)

	// Mark below entry: shorts in profit.
	delta, hasProfit := st.GlobalShortDelta("ETH", 1800)
	assert.True(t, hasProfit)
	assert.InDelta(t, 1000.0, delta, 1e-9)

	// Mark above entry: shorts under water.
	delta, hasProfit = st.GlobalShortDelta("ETH", 2200)
	assert.False(t, hasProfit)
	assert.InDelta(t, 1000.0, delta, 1e-9)

	delta, _ = st.GlobalShortDelta("BTC", 60000)
	assert.Equal(t, 0.0, delta)
}

func TestShortsDecreasePreservesRemainingDelta(t *testing.T) {
	st := NewShortsTracker()
	st.Update("ETH", 2000, 10000, true)

	// Total profit at 1800 is 1000; closing half realizes 500 and must
	// leave exactly 500 on the remaining half.
	before, _ := st.GlobalShortDelta("ETH", 1800)
	st.Update("ETH", 1800, 5000, false)
	after, hasProfit := st.GlobalShortDelta("ETH", 1800)

	assert.True(t, hasProfit)
	assert.InDelta(t, before/2, after, 1e-6)
	assert.Equal(t, 5000.0, st.GlobalShortSize("ETH"))
}

func TestShortsDecreaseAtLossPreservesRemainingDelta(t *testing.T) {
	st := NewShortsTracker()
	st.Update("ETH", 2000, 10000, true)

	before, _ := st.GlobalShortDelta("ETH", 2300)
	st.Update("ETH", 2300, 4000, false)
	after, hasProfit := st.GlobalShortDelta("ETH", 2300)

	assert.False(t, hasProfit)
	assert.InDelta(t, before*0.6, after, 1e-6)
}

func TestShortsFullCloseResets(t *testing.T) {
	st := NewShortsTracker()
	st.Update("ETH", 2000, 10000, true)
	st.Update("ETH", 1900, 10000, false)

	assert.Equal(t, 0.0, st.GlobalShortSize("ETH"))
	assert.Equal(t, 0.0, st.GlobalShortAveragePrice("ETH"))
}

func TestShortsRestore(t *testing.T) {
	st := NewShortsTracker()
	st.Restore(&ShortAggregate{Asset: "BTC", Size: 50000, AveragePrice: 61000})

	assert.Equal(t, 50000.0, st.GlobalShortSize("BTC"))
	assert.Equal(t, 61000.0, st.GlobalShortAveragePrice("BTC"))

	agg := st.Aggregate("BTC")
	assert.Equal(t, "BTC", agg.Asset)
	assert.Equal(t, 50000.0, agg.Size)
}
