// Package api exposes the trading engine over REST and WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/perps"
)

// Server routes HTTP requests to the engine components.
type Server struct {
	vault  *perps.Vault
	feed   *perps.PriceFeed
	router *perps.PositionRouter
	orders *perps.OrderBook
	pool   *perps.PoolManager
	hub    *Hub

	httpServer *http.Server
	sink       func(kind string, data interface{})
	logger     log.Logger
}

// NewServer wires the engine components into an HTTP server on the given
// port.
func NewServer(port string, vault *perps.Vault, feed *perps.PriceFeed, router *perps.PositionRouter, orders *perps.OrderBook, pool *perps.PoolManager) *Server {
	s := &Server{
		vault:  vault,
		feed:   feed,
		router: router,
		orders: orders,
		pool:   pool,
		hub:    NewHub(),
		logger: log.Root().New("module", "api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ws", s.hub.HandleConnection)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/prices/{asset}", s.handleGetPrice).Methods("GET")
	v1.HandleFunc("/positions/{account}", s.handleGetPositions).Methods("GET")
	v1.HandleFunc("/pool", s.handleGetPool).Methods("GET")
	v1.HandleFunc("/pool/mint", s.handleMint).Methods("POST")
	v1.HandleFunc("/pool/burn", s.handleBurn).Methods("POST")

	v1.HandleFunc("/requests/swap", s.handleCreateSwap).Methods("POST")
	v1.HandleFunc("/requests/increase", s.handleCreateIncrease).Methods("POST")
	v1.HandleFunc("/requests/decrease", s.handleCreateDecrease).Methods("POST")
	v1.HandleFunc("/requests/pending", s.handlePendingRequests).Methods("GET")
	v1.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	v1.HandleFunc("/requests/{id}/execute", s.handleExecuteRequest).Methods("POST")
	v1.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")

	v1.HandleFunc("/orders/increase", s.handleCreateIncreaseOrder).Methods("POST")
	v1.HandleFunc("/orders/decrease", s.handleCreateDecreaseOrder).Methods("POST")
	v1.HandleFunc("/orders/open", s.handleOpenOrders).Methods("GET")
	v1.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	v1.HandleFunc("/orders/{id}", s.handleUpdateOrder).Methods("PUT")
	v1.HandleFunc("/orders/{id}/execute", s.handleExecuteOrder).Methods("POST")
	v1.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// SetEventSink registers an extra consumer for engine events, called from
// the same fan-out loop that feeds the WebSocket hub. Set before Start.
func (s *Server) SetEventSink(sink func(kind string, data interface{})) {
	s.sink = sink
}

// Start runs the server and the WebSocket fan-out loops until Stop.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.pumpEvents()
	s.logger.Info("API server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.hub.Close()
	return s.httpServer.Close()
}

// pumpEvents forwards engine events to connected WebSocket clients and the
// optional sink.
func (s *Server) pumpEvents() {
	for {
		select {
		case update, ok := <-s.feed.Updates:
			if !ok {
				return
			}
			s.dispatch("price", update)
		case event, ok := <-s.vault.Events:
			if !ok {
				return
			}
			s.dispatch(event.Kind, event)
		case event, ok := <-s.router.Events:
			if !ok {
				return
			}
			s.dispatch("request_"+event.Kind, event.Request)
		case event, ok := <-s.orders.Events:
			if !ok {
				return
			}
			s.dispatch(event.Kind, event.Request)
		}
	}
}

func (s *Server) dispatch(kind string, data interface{}) {
	s.hub.Broadcast(kind, data)
	if s.sink != nil {
		s.sink(kind, data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	bid, err := s.feed.GetPrice(asset, false)
	if err != nil {
		writeError(w, err)
		return
	}
	ask, err := s.feed.GetPrice(asset, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset": asset,
		"bid":   bid,
		"ask":   ask,
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	writeJSON(w, http.StatusOK, s.vault.PositionsFor(account))
}

type poolAssetView struct {
	perps.PoolAssetState
	Utilization float64 `json:"Utilization"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	assets := make([]poolAssetView, 0)
	for _, sym := range s.vault.Assets() {
		state := s.vault.PoolState(sym)
		view := poolAssetView{PoolAssetState: state}
		if state.PoolAmount > 0 {
			view.Utilization = state.Reserved / state.PoolAmount
		}
		assets = append(assets, view)
	}

	resp := map[string]interface{}{
		"assets": assets,
		"supply": s.pool.Supply(),
	}
	if aum, err := s.vault.AUM(true); err == nil {
		resp["aum"] = aum
	}
	if price, err := s.pool.TokenPrice(true); err == nil {
		resp["tokenPrice"] = price
	}
	writeJSON(w, http.StatusOK, resp)
}

type mintRequest struct {
	Account string  `json:"account"`
	Asset   string  `json:"asset"`
	Amount  float64 `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	minted, err := s.pool.Mint(req.Account, req.Asset, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"minted": minted})
}

type burnRequest struct {
	Account string          `json:"account"`
	Asset   string          `json:"asset"`
	Tokens  decimal.Decimal `json:"tokens"`
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req burnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	amountOut, err := s.pool.Burn(req.Account, req.Asset, req.Tokens)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"amountOut": amountOut})
}

type swapRequestBody struct {
	Account      string  `json:"account"`
	AssetIn      string  `json:"assetIn"`
	AssetOut     string  `json:"assetOut"`
	AmountIn     float64 `json:"amountIn"`
	MinOut       float64 `json:"minOut"`
	ExecutionFee float64 `json:"executionFee"`
}

func (s *Server) handleCreateSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	id, err := s.router.CreateSwapRequest(req.Account, req.AssetIn, req.AssetOut, req.AmountIn, req.MinOut, req.ExecutionFee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type increaseRequestBody struct {
	Account         string  `json:"account"`
	CollateralAsset string  `json:"collateralAsset"`
	IndexAsset      string  `json:"indexAsset"`
	Direction       string  `json:"direction"`
	CollateralDelta float64 `json:"collateralDelta"`
	SizeDelta       float64 `json:"sizeDelta"`
	AcceptablePrice float64 `json:"acceptablePrice"`
	ExecutionFee    float64 `json:"executionFee"`
}

func (s *Server) handleCreateIncrease(w http.ResponseWriter, r *http.Request) {
	var req increaseRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	id, err := s.router.CreateIncreaseRequest(req.Account, req.CollateralAsset, req.IndexAsset,
		parseDirection(req.Direction), req.CollateralDelta, req.SizeDelta, req.AcceptablePrice, req.ExecutionFee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type decreaseRequestBody struct {
	Account         string  `json:"account"`
	CollateralAsset string  `json:"collateralAsset"`
	IndexAsset      string  `json:"indexAsset"`
	Direction       string  `json:"direction"`
	CollateralDelta float64 `json:"collateralDelta"`
	SizeDelta       float64 `json:"sizeDelta"`
	AcceptablePrice float64 `json:"acceptablePrice"`
	ExecutionFee    float64 `json:"executionFee"`
	Receiver        string  `json:"receiver"`
}

func (s *Server) handleCreateDecrease(w http.ResponseWriter, r *http.Request) {
	var req decreaseRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	id, err := s.router.CreateDecreaseRequest(req.Account, req.CollateralAsset, req.IndexAsset,
		parseDirection(req.Direction), req.CollateralDelta, req.SizeDelta, req.AcceptablePrice, req.ExecutionFee, req.Receiver)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.PendingRequests())
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, ok := s.router.GetRequest(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type callerBody struct {
	Caller string `json:"caller"`
}

func (s *Server) handleExecuteRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body callerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	if err := s.router.ExecuteRequest(id, body.Caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body callerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	if err := s.router.CancelRequest(id, body.Caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type orderBody struct {
	Account         string  `json:"account"`
	CollateralAsset string  `json:"collateralAsset"`
	IndexAsset      string  `json:"indexAsset"`
	Direction       string  `json:"direction"`
	CollateralDelta float64 `json:"collateralDelta"`
	SizeDelta       float64 `json:"sizeDelta"`
	TriggerPrice    float64 `json:"triggerPrice"`
	TriggerAbove    bool    `json:"triggerAbove"`
	ExecutionFee    float64 `json:"executionFee"`
}

func (s *Server) handleCreateIncreaseOrder(w http.ResponseWriter, r *http.Request) {
	var req orderBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	id, err := s.orders.CreateIncreaseOrder(req.Account, req.CollateralAsset, req.IndexAsset,
		parseDirection(req.Direction), req.CollateralDelta, req.SizeDelta, req.TriggerPrice, req.TriggerAbove, req.ExecutionFee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleCreateDecreaseOrder(w http.ResponseWriter, r *http.Request) {
	var req orderBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	id, err := s.orders.CreateDecreaseOrder(req.Account, req.CollateralAsset, req.IndexAsset,
		parseDirection(req.Direction), req.CollateralDelta, req.SizeDelta, req.TriggerPrice, req.TriggerAbove, req.ExecutionFee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orders.OpenOrders())
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, ok := s.orders.GetOrder(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type updateOrderBody struct {
	Account      string  `json:"account"`
	TriggerPrice float64 `json:"triggerPrice"`
	TriggerAbove bool    `json:"triggerAbove"`
	SizeDelta    float64 `json:"sizeDelta"`
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body updateOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	if err := s.orders.UpdateOrder(id, body.Account, body.TriggerPrice, body.TriggerAbove, body.SizeDelta); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body callerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	if err := s.orders.ExecuteOrder(id, body.Caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body callerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, perps.ErrInvalidRequest)
		return
	}
	if err := s.orders.CancelOrder(id, body.Caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func parseDirection(s string) perps.Direction {
	if s == "short" {
		return perps.Short
	}
	return perps.Long
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, perps.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, perps.ErrPositionNotFound), errors.Is(err, perps.ErrAssetNotWhitelisted):
		status = http.StatusNotFound
	case errors.Is(err, perps.ErrAlreadyProcessed):
		status = http.StatusConflict
	case errors.Is(err, perps.ErrPriceUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
