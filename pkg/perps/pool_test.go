package perps

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPoolHarness is a vault with an empty pool, so token supply math
// starts from zero.
func newPoolHarness(t *testing.T) (*PoolManager, *Vault, *StaticSource, *LedgerCustodian) {
	t.Helper()

	src := NewStaticSource()
	src.SetPrice("ETH", 2000)
	src.SetPrice("USDC", 1)
	feed := NewPriceFeed(DefaultFeedConfig())
	feed.SetPrimarySource("ETH", src)
	feed.SetPrimarySource("USDC", src)

	cfg := DefaultRiskConfig()
	cfg.HasDynamicFees = false

	custodian := NewLedgerCustodian()
	v := NewVault(cfg, feed, NewShortsTracker(), custodian)
	v.SetAssetConfig(&AssetConfig{Symbol: "USDC", Weight: 50, IsStable: true})
	v.SetAssetConfig(&AssetConfig{Symbol: "ETH", Weight: 50, IsShortable: true, MinProfitBps: 10})

	return NewPoolManager(v), v, src, custodian
}

func TestMintFromEmptyPool(t *testing.T) {
	pm, v, _, custodian := newPoolHarness(t)
	custodian.Deposit("USDC", "alice", 20000)

	minted, err := pm.Mint("alice", "USDC", 10000)
	require.NoError(t, err)

	// 30 bps mint fee: 9970 USD of value, minted 1:1 from zero supply.
	expected := decimal.NewFromFloat(9970)
	assert.True(t, minted.Equal(expected), "minted %s", minted)
	assert.True(t, pm.Supply().Equal(expected))
	assert.True(t, pm.BalanceOf("alice").Equal(expected))

	state := v.PoolState("USDC")
	assert.InDelta(t, 9970, state.PoolAmount, 1e-9)
	assert.InDelta(t, 30, state.FeeReserve, 1e-9)

	price, err := pm.TokenPrice(true)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, price, 1e-9)
}

func TestMintRejectsUnknownAssetAndCap(t *testing.T) {
	pm, v, _, custodian := newPoolHarness(t)
	custodian.Deposit("USDC", "alice", 20000)

	_, err := pm.Mint("alice", "DOGE", 100)
	assert.ErrorIs(t, err, ErrAssetNotWhitelisted)

	ac, ok := v.AssetConfigFor("USDC")
	require.True(t, ok)
	ac.MaxUSDCap = 5000
	v.SetAssetConfig(ac)

	_, err = pm.Mint("alice", "USDC", 10000)
	assert.ErrorIs(t, err, ErrPoolCapExceeded)
}

func TestMintBurnRoundTripLosesFees(t *testing.T) {
	pm, _, _, custodian := newPoolHarness(t)
	custodian.Deposit("USDC", "alice", 10000)

	minted, err := pm.Mint("alice", "USDC", 10000)
	require.NoError(t, err)

	out, err := pm.Burn("alice", "USDC", minted)
	require.NoError(t, err)

	// Fees on both legs: the round trip is strictly lossy.
	assert.Less(t, out, 10000.0)
	assert.Greater(t, out, 9900.0)
	assert.True(t, pm.Supply().IsZero())
	assert.Equal(t, out, custodian.BalanceOf("USDC", "alice"))
}

func TestBurnRequiresBalance(t *testing.T) {
	pm, _, _, custodian := newPoolHarness(t)
	custodian.Deposit("USDC", "alice", 10000)

	_, err := pm.Mint("alice", "USDC", 10000)
	require.NoError(t, err)

	_, err = pm.Burn("bob", "USDC", decimal.NewFromInt(100))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestBurnRespectsReservations(t *testing.T) {
	pm, v, _, custodian := newPoolHarness(t)
	custodian.Deposit("USDC", "alice", 100_000)

	minted, err := pm.Mint("alice", "USDC", 100_000)
	require.NoError(t, err)

	// Most of the pool is reserved for open shorts; a full burn would
	// leave less than the reservation behind.
	v.reserved["USDC"] = 90_000

	_, err = pm.Burn("alice", "USDC", minted)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestBurnRespectsBuffer(t *testing.T) {
	pm, v, _, custodian := newPoolHarness(t)
	custodian.Deposit("USDC", "alice", 100_000)

	minted, err := pm.Mint("alice", "USDC", 100_000)
	require.NoError(t, err)

	ac, ok := v.AssetConfigFor("USDC")
	require.True(t, ok)
	ac.BufferAmount = 50_000
	v.SetAssetConfig(ac)

	_, err = pm.Burn("alice", "USDC", minted)
	assert.ErrorIs(t, err, ErrBufferBreached)
}

func TestSecondMinterPaysCurrentValuation(t *testing.T) {
	pm, v, _, custodian := newPoolHarness(t)
	custodian.Deposit("USDC", "alice", 10000)
	custodian.Deposit("USDC", "bob", 10000)

	_, err := pm.Mint("alice", "USDC", 10000)
	require.NoError(t, err)

	// Trading fees accrue value to the pool before bob joins.
	v.pool["USDC"] += 1000

	minted, err := pm.Mint("bob", "USDC", 10000)
	require.NoError(t, err)

	// A richer pool means fewer tokens per USD for the late joiner.
	assert.True(t, minted.LessThan(pm.BalanceOf("alice")),
		"bob got %s, alice holds %s", minted, pm.BalanceOf("alice"))
}

func TestTokenPriceTracksAUM(t *testing.T) {
	pm, _, src, custodian := newPoolHarness(t)
	custodian.Deposit("ETH", "alice", 10)

	_, err := pm.Mint("alice", "ETH", 5)
	require.NoError(t, err)

	price0, err := pm.TokenPrice(true)
	require.NoError(t, err)

	src.SetPrice("ETH", 2400)
	price1, err := pm.TokenPrice(true)
	require.NoError(t, err)
	assert.Greater(t, price1, price0)
}
