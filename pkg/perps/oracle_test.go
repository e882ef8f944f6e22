package perps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFeed() (*PriceFeed, *StaticSource) {
	feed := NewPriceFeed(DefaultFeedConfig())
	src := NewStaticSource()
	feed.SetPrimarySource("ETH", src)
	feed.SetPrimarySource("USDC", src)
	return feed, src
}

func TestGetPriceNoSource(t *testing.T) {
	feed := NewPriceFeed(DefaultFeedConfig())
	_, err := feed.GetPrice("ETH", true)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestGetPriceNoObservation(t *testing.T) {
	feed, _ := newTestFeed()
	_, err := feed.GetPrice("ETH", true)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestGetPricePrimaryOnly(t *testing.T) {
	feed, src := newTestFeed()
	src.SetPrice("ETH", 2000)

	price, err := feed.GetPrice("ETH", true)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, price)

	price, err = feed.GetPrice("ETH", false)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, price)
}

func TestSecondaryClampedToDeviationBand(t *testing.T) {
	feed, src := newTestFeed()
	src.SetPrice("ETH", 2000)

	fast := NewStaticSource()
	feed.SetSecondarySource(fast)

	// Within the 150 bps band the fast price wins.
	fast.SetPrice("ETH", 2010)
	price, err := feed.GetPrice("ETH", true)
	require.NoError(t, err)
	assert.Equal(t, 2010.0, price)

	// Outside the band it is clamped to the edge: 2000 * 1.015.
	fast.SetPrice("ETH", 2100)
	price, err = feed.GetPrice("ETH", true)
	require.NoError(t, err)
	assert.InDelta(t, 2030.0, price, 1e-9)

	fast.SetPrice("ETH", 1900)
	price, err = feed.GetPrice("ETH", false)
	require.NoError(t, err)
	assert.InDelta(t, 1970.0, price, 1e-9)
}

func TestStaleSecondaryIgnored(t *testing.T) {
	feed, src := newTestFeed()
	src.SetPrice("ETH", 2000)

	fast := NewStaticSource()
	fast.SetPriceAt("ETH", 2010, time.Now().Add(-5*time.Minute))
	feed.SetSecondarySource(fast)

	price, err := feed.GetPrice("ETH", true)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, price)
}

func TestStableClamp(t *testing.T) {
	feed, src := newTestFeed()
	feed.SetStable("USDC", true)

	// Depegged below the band: minimized price stops at peg - band.
	src.SetPrice("USDC", 0.95)
	price, err := feed.GetPrice("USDC", false)
	require.NoError(t, err)
	assert.InDelta(t, 0.99, price, 1e-9)

	// Maximized price never drops below the peg.
	price, err = feed.GetPrice("USDC", true)
	require.NoError(t, err)
	assert.Equal(t, 1.0, price)

	// Above the band: clamped to peg + band on both bounds.
	src.SetPrice("USDC", 1.05)
	price, err = feed.GetPrice("USDC", true)
	require.NoError(t, err)
	assert.InDelta(t, 1.01, price, 1e-9)
}

func TestSpreadApplied(t *testing.T) {
	feed, src := newTestFeed()
	src.SetPrice("ETH", 2000)
	feed.SetSpreadBps("ETH", 10)

	ask, err := feed.GetPrice("ETH", true)
	require.NoError(t, err)
	assert.InDelta(t, 2002.0, ask, 1e-9)

	bid, err := feed.GetPrice("ETH", false)
	require.NoError(t, err)
	assert.InDelta(t, 1998.0, bid, 1e-9)
	assert.Greater(t, ask, bid)
}

func TestUpdatesPublished(t *testing.T) {
	feed, src := newTestFeed()
	src.SetPrice("ETH", 2000)

	_, err := feed.GetPrice("ETH", true)
	require.NoError(t, err)

	select {
	case update := <-feed.Updates:
		assert.Equal(t, "ETH", update.Asset)
		assert.Equal(t, 2000.0, update.Price)
	default:
		t.Fatal("expected a published update")
	}
}
