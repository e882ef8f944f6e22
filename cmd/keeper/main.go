// keeper is the execution daemon: it watches the engine's request queue
// over NATS and REST, executes requests whose price bounds are satisfied,
// cancels expired ones and fires trigger orders whose conditions hold.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perps/pkg/perps"
)

type keeper struct {
	name   string
	apiURL string
	client *http.Client
	logger log.Logger
}

func main() {
	godotenv.Load()

	name := flag.String("name", envOr("PERPS_KEEPER_NAME", "keeper-1"), "keeper identity")
	apiURL := flag.String("api", envOr("PERPS_API_URL", "http://localhost:8080"), "engine API base URL")
	natsURL := flag.String("nats", envOr("PERPS_NATS_URL", nats.DefaultURL), "NATS server URL")
	interval := flag.Duration("interval", 5*time.Second, "poll interval")
	flag.Parse()

	logger := log.Root().New("module", "keeper")
	k := &keeper{
		name:   *name,
		apiURL: *apiURL,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		logger.Warn("NATS unavailable, polling only", "url", *natsURL, "error", err)
	} else {
		defer nc.Close()
		nc.Subscribe("perps.events.request_created", func(m *nats.Msg) {
			var req perps.Request
			if err := json.Unmarshal(m.Data, &req); err != nil {
				return
			}
			k.executeRequest(req.ID)
		})
		nc.Subscribe("perps.events.order_created", func(m *nats.Msg) {
			var req perps.Request
			if err := json.Unmarshal(m.Data, &req); err != nil {
				return
			}
			k.executeOrder(req.ID)
		})
	}

	logger.Info("Keeper running", "name", k.name, "api", k.apiURL, "interval", *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			k.sweepRequests()
			k.sweepOrders()
		case <-sig:
			logger.Info("Shutting down")
			return
		}
	}
}

// sweepRequests retries every pending request: bounds may be satisfied now,
// and expired requests get cancelled so escrow flows back.
func (k *keeper) sweepRequests() {
	var pending []perps.Request
	if err := k.get("/api/v1/requests/pending", &pending); err != nil {
		k.logger.Error("fetch pending requests failed", "error", err)
		return
	}
	now := time.Now()
	for _, req := range pending {
		if req.Expired(now) {
			k.cancelRequest(req.ID)
			continue
		}
		k.executeRequest(req.ID)
	}
}

func (k *keeper) sweepOrders() {
	var open []perps.TriggerOrder
	if err := k.get("/api/v1/orders/open", &open); err != nil {
		k.logger.Error("fetch open orders failed", "error", err)
		return
	}
	for _, order := range open {
		k.executeOrder(order.ID)
	}
}

func (k *keeper) executeRequest(id string) {
	if err := k.post("/api/v1/requests/" + id + "/execute"); err == nil {
		k.logger.Info("request executed", "id", id)
	}
}

func (k *keeper) cancelRequest(id string) {
	if err := k.post("/api/v1/requests/" + id + "/cancel"); err == nil {
		k.logger.Info("expired request cancelled", "id", id)
	}
}

func (k *keeper) executeOrder(id string) {
	if err := k.post("/api/v1/orders/" + id + "/execute"); err == nil {
		k.logger.Info("order executed", "id", id)
	}
}

func (k *keeper) get(path string, out interface{}) error {
	resp, err := k.client.Get(k.apiURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// post submits a keeper action. Non-2xx responses are expected in the
// common case (price bound not met, trigger not reached) and reported as
// errors without logging.
func (k *keeper) post(path string) error {
	body, _ := json.Marshal(map[string]string{"caller": k.name})
	resp, err := k.client.Post(k.apiURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
