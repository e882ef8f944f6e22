package perps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFundingFirstTouchInitializes(t *testing.T) {
	v, _, _ := newTestEngine(t)

	now := time.Now()
	v.updateFunding("BTC", now)

	fs := v.FundingStateFor("BTC")
	assert.Equal(t, 0.0, fs.CumulativeRate)
	assert.Equal(t, now.Truncate(time.Hour), fs.LastUpdate)
}

func TestFundingWholeIntervalsOnly(t *testing.T) {
	v, _, _ := newTestEngine(t)

	// 50 of 100 ETH reserved: rate = 0.0001 * 0.5 per interval.
	v.reserved["ETH"] = 50
	start := time.Now().Truncate(time.Hour)
	v.funding["ETH"] = &FundingState{Asset: "ETH", LastUpdate: start}

	// Mid-interval: nothing accrues, the anchor stays put.
	v.updateFunding("ETH", start.Add(30*time.Minute))
	fs := v.FundingStateFor("ETH")
	assert.Equal(t, 0.0, fs.CumulativeRate)
	assert.Equal(t, start, fs.LastUpdate)

	// 2.5 intervals later: exactly two accrue.
	v.updateFunding("ETH", start.Add(2*time.Hour+30*time.Minute))
	fs = v.FundingStateFor("ETH")
	assert.InDelta(t, 2*0.0001*0.5, fs.CumulativeRate, 1e-12)
	assert.Equal(t, start.Add(2*time.Hour), fs.LastUpdate)
}

func TestFundingUpdateFrequencyIndependent(t *testing.T) {
	va, _, _ := newTestEngine(t)
	vb, _, _ := newTestEngine(t)

	start := time.Now().Truncate(time.Hour)
	for _, v := range []*Vault{va, vb} {
		v.reserved["ETH"] = 25
		v.funding["ETH"] = &FundingState{Asset: "ETH", LastUpdate: start}
	}

	// One vault updated every 20 minutes, the other once at the end.
	for i := 1; i <= 9; i++ {
		va.updateFunding("ETH", start.Add(time.Duration(i)*20*time.Minute))
	}
	vb.updateFunding("ETH", start.Add(3*time.Hour))

	assert.InDelta(t, vb.FundingStateFor("ETH").CumulativeRate,
		va.FundingStateFor("ETH").CumulativeRate, 1e-12)
}

func TestFundingFeeChargedOnDecrease(t *testing.T) {
	v, _, custodian := newTestEngine(t)
	custodian.Deposit("ETH", "alice", 10)
	require.NoError(t, v.IncreasePosition("alice", "ETH", "ETH", Long, 1, 10000))

	// Roll the accumulator forward by hand: 0.001 owed per USD of size.
	fs := v.funding["ETH"]
	fs.CumulativeRate += 0.001

	out, err := v.DecreasePosition("alice", "ETH", "ETH", Long, 0, 10000, "alice")
	require.NoError(t, err)

	// Funding 10000 * 0.001 = 10 joins the 10 margin fee.
	expected := (1990.0 - 10.0 - 10.0) / 2000.0
	assert.InDelta(t, expected, out, 1e-9)
}

func TestStableFundingFactor(t *testing.T) {
	v, _, _ := newTestEngine(t)

	cfg := DefaultRiskConfig()
	cfg.HasDynamicFees = false
	cfg.FundingRateFactor = 0.0002
	cfg.StableFundingFactor = 0.00005
	v.SetConfig(cfg)

	v.reserved["ETH"] = 50
	v.reserved["USDC"] = 250_000

	assert.InDelta(t, 0.0002*0.5, v.nextFundingRate("ETH"), 1e-12)
	assert.InDelta(t, 0.00005*0.5, v.nextFundingRate("USDC"), 1e-12)
}
