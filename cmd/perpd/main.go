// perpd is the trading engine daemon: it hosts the price feed, the margin
// ledger, the request queue and the pool token, and serves them over REST,
// WebSocket and NATS.
package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/config"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/perps"
	"github.com/luxfi/perps/pkg/store"
)

type priceMessage struct {
	Asset string  `json:"asset"`
	Price float64 `json:"price"`
}

func main() {
	logger := log.Root().New("module", "perpd")
	cfg := config.Load()

	db := store.NewMemDB()
	st := store.New(db)
	defer st.Close()

	feed := perps.NewPriceFeed(perps.DefaultFeedConfig())
	primary := perps.NewStaticSource()

	custodian := perps.NewLedgerCustodian()
	shorts := perps.NewShortsTracker()
	vault := perps.NewVault(perps.DefaultRiskConfig(), feed, shorts, custodian)
	vault.SetPersister(st)
	vault.SetFeeReceiver(cfg.FeeReceiver)
	for _, addr := range cfg.Liquidators {
		vault.SetLiquidator(addr, true)
	}

	for _, ac := range defaultAssets() {
		vault.SetAssetConfig(ac)
		feed.SetPrimarySource(ac.Symbol, primary)
		if ac.IsStable {
			feed.SetStable(ac.Symbol, true)
		}
	}

	router := perps.NewPositionRouter(vault, feed, custodian, cfg.FeeAsset, cfg.MinExecutionFee, cfg.RequestTTL)
	router.SetPersister(st)
	orders := perps.NewOrderBook(vault, feed, custodian, cfg.FeeAsset, cfg.MinExecutionFee)
	orders.SetPersister(st)
	for _, addr := range cfg.Keepers {
		router.SetKeeper(addr, true)
		orders.SetKeeper(addr, true)
	}

	pool := perps.NewPoolManager(vault)
	pool.SetPersistFunc(func(state *perps.PoolTokenState) {
		if err := st.SavePoolToken(state); err != nil {
			logger.Error("persist pool token failed", "error", err)
		}
	})

	restoreState(logger, st, vault, shorts, router, orders, pool)

	em, err := metrics.NewEngineMetrics("perps")
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}
	stop := make(chan struct{})
	em.StartSystemCollector(15*time.Second, stop)
	if err := em.StartServer(cfg.MetricsPort); err != nil {
		logger.Error("metrics server failed", "error", err)
	}

	server := api.NewServer(cfg.APIPort, vault, feed, router, orders, pool)

	var publish func(kind string, data interface{})
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Warn("NATS unavailable, events stay local", "url", cfg.NATSURL, "error", err)
	} else {
		defer nc.Close()
		publish = wireNATS(logger, nc, primary, em)
	}

	server.SetEventSink(func(kind string, data interface{}) {
		recordEvent(em, kind, data)
		if publish != nil {
			publish(kind, data)
		}
	})
	go sampleEngineGauges(em, vault, router, 15*time.Second, stop)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("API server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("perpd ready",
		"apiPort", cfg.APIPort, "metricsPort", cfg.MetricsPort, "assets", len(vault.Assets()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down")
	close(stop)
	server.Stop()
}

// wireNATS accepts oracle updates from the price publisher and returns the
// event publisher for the fan-out sink.
func wireNATS(logger log.Logger, nc *nats.Conn, primary *perps.StaticSource, em *metrics.EngineMetrics) func(kind string, data interface{}) {
	nc.Subscribe("perps.prices", func(m *nats.Msg) {
		var msg priceMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		if msg.Asset == "" || msg.Price <= 0 {
			return
		}
		primary.SetPrice(msg.Asset, msg.Price)
		em.RecordPriceUpdate(msg.Asset)
	})

	return func(kind string, data interface{}) {
		payload, err := json.Marshal(data)
		if err != nil {
			return
		}
		if err := nc.Publish("perps.events."+kind, payload); err != nil {
			logger.Error("NATS publish failed", "subject", kind, "error", err)
		}
	}
}

// recordEvent maps engine events onto the Prometheus counters.
func recordEvent(em *metrics.EngineMetrics, kind string, data interface{}) {
	switch kind {
	case "request_created":
		if req, ok := data.(perps.Request); ok {
			em.RecordRequestCreated(req.Type.String())
		}
	case "request_executed":
		if req, ok := data.(perps.Request); ok {
			em.RecordRequestExecuted(req.Type.String())
		}
	case "request_cancelled":
		if req, ok := data.(perps.Request); ok {
			em.RecordRequestCancelled(req.Type.String())
		}
	case "order_executed":
		em.RecordOrderExecuted()
	case "swap":
		if ev, ok := data.(*perps.VaultEvent); ok {
			em.RecordSwapVolume(ev.VolumeUSD)
		}
	case "position_increase":
		em.RecordPositionOpened()
	case "position_decrease":
		em.RecordPositionClosed()
	case "liquidation":
		em.RecordLiquidation()
	}
}

// sampleEngineGauges refreshes the valuation and utilization gauges until
// stop is closed.
func sampleEngineGauges(em *metrics.EngineMetrics, vault *perps.Vault, router *perps.PositionRouter, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if aum, err := vault.AUM(true); err == nil {
				em.SetAUM(aum)
			}
			for _, sym := range vault.Assets() {
				state := vault.PoolState(sym)
				em.SetPoolState(sym, state.PoolAmount, state.Reserved)
				em.SetFundingRate(sym, vault.FundingStateFor(sym).CumulativeRate)
			}
			em.SetPendingRequests(len(router.PendingRequests()))
		case <-stop:
			return
		}
	}
}

func restoreState(logger log.Logger, st *store.Store, vault *perps.Vault, shorts *perps.ShortsTracker, router *perps.PositionRouter, orders *perps.OrderBook, pool *perps.PoolManager) {
	if states, err := st.LoadPoolAssets(); err == nil {
		for _, state := range states {
			vault.RestorePoolAsset(state)
		}
	} else {
		logger.Error("restore pool assets failed", "error", err)
	}

	if funding, err := st.LoadFunding(); err == nil {
		for _, fs := range funding {
			vault.RestoreFunding(fs)
		}
	} else {
		logger.Error("restore funding failed", "error", err)
	}

	if positions, err := st.LoadPositions(); err == nil {
		for _, pos := range positions {
			vault.RestorePosition(pos)
		}
		logger.Info("Restored positions", "count", len(positions))
	} else {
		logger.Error("restore positions failed", "error", err)
	}

	if aggs, err := st.LoadShorts(); err == nil {
		for _, agg := range aggs {
			shorts.Restore(agg)
		}
	} else {
		logger.Error("restore shorts failed", "error", err)
	}

	if requests, err := st.LoadRequests(); err == nil {
		pending := 0
		for _, req := range requests {
			router.RestoreRequest(req)
			if req.Status == perps.StatusPending {
				pending++
			}
		}
		logger.Info("Restored requests", "count", len(requests), "pending", pending)
	} else {
		logger.Error("restore requests failed", "error", err)
	}

	if loaded, err := st.LoadOrders(); err == nil {
		for _, order := range loaded {
			orders.RestoreOrder(order)
		}
	} else {
		logger.Error("restore orders failed", "error", err)
	}

	if state, err := st.LoadPoolToken(); err == nil {
		if state != nil {
			pool.Restore(state)
		}
	} else {
		logger.Error("restore pool token failed", "error", err)
	}
}

// defaultAssets is the local development asset set. Production deployments
// configure assets through governance calls instead.
func defaultAssets() []*perps.AssetConfig {
	return []*perps.AssetConfig{
		{
			Symbol:       "USDC",
			Decimals:     6,
			Weight:       40,
			MaxUSDCap:    50_000_000,
			IsStable:     true,
			MinProfitBps: 0,
		},
		{
			Symbol:             "ETH",
			Decimals:           18,
			Weight:             35,
			MaxUSDCap:          30_000_000,
			MaxGlobalShortSize: 10_000_000,
			BufferAmount:       50,
			IsShortable:        true,
			MinProfitBps:       10,
		},
		{
			Symbol:             "BTC",
			Decimals:           8,
			Weight:             25,
			MaxUSDCap:          30_000_000,
			MaxGlobalShortSize: 10_000_000,
			BufferAmount:       2,
			IsShortable:        true,
			MinProfitBps:       10,
		},
	}
}
