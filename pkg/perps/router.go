package perps

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"golang.org/x/crypto/sha3"
)

// RequestType classifies a pending request.
type RequestType int

const (
	RequestSwap RequestType = iota
	RequestIncrease
	RequestDecrease
)

func (t RequestType) String() string {
	switch t {
	case RequestSwap:
		return "swap"
	case RequestIncrease:
		return "increase"
	default:
		return "decrease"
	}
}

// RequestStatus is the single authoritative lifecycle field of a request.
// Exactly one transition out of StatusPending ever succeeds.
type RequestStatus int

const (
	StatusPending RequestStatus = iota
	StatusExecuted
	StatusCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	default:
		return "cancelled"
	}
}

// Request is a user-submitted intent waiting for keeper execution. The
// price used is always the price at execution time, never at submission.
type Request struct {
	ID      string
	Account string
	Index   uint64 // per-account sequence
	Type    RequestType

	// Swap legs; for increases AssetIn is the collateral asset.
	AssetIn  string
	AssetOut string
	MinOut   float64

	CollateralAsset string
	IndexAsset      string
	Direction       Direction
	AmountIn        float64 // escrowed collateral / swap input, asset units
	SizeDelta       float64 // notional USD
	CollateralDelta float64 // decrease: requested withdrawal, USD
	AcceptablePrice float64
	Receiver        string

	ExecutionFee float64 // escrowed, fee-asset units
	SubmitTime   time.Time
	TTL          time.Duration
	Status       RequestStatus
}

// Expired reports whether the request's validity window has elapsed.
func (r *Request) Expired(now time.Time) bool {
	return now.Sub(r.SubmitTime) > r.TTL
}

// RequestEvent is emitted on every request lifecycle transition.
type RequestEvent struct {
	Kind    string // created | executed | cancelled
	Request Request
}

// RequestPersister stores request records.
type RequestPersister interface {
	SaveRequest(req *Request) error
}

// PositionRouter is the delayed execution queue for market requests. Users
// escrow collateral and a flat execution fee at submission; keepers execute
// or cancel within the validity window, anyone may cancel after it.
type PositionRouter struct {
	vault     *Vault
	feed      *PriceFeed
	custodian Custodian
	persister RequestPersister

	keepers         map[string]bool
	feeAsset        string
	minExecutionFee float64
	defaultTTL      time.Duration

	requests     map[string]*Request
	accountIndex map[string]uint64

	Events chan *RequestEvent

	logger log.Logger
	mu     sync.RWMutex
}

// NewPositionRouter creates a router with an empty keeper set.
func NewPositionRouter(vault *Vault, feed *PriceFeed, custodian Custodian, feeAsset string, minExecutionFee float64, defaultTTL time.Duration) *PositionRouter {
	return &PositionRouter{
		vault:           vault,
		feed:            feed,
		custodian:       custodian,
		keepers:         make(map[string]bool),
		feeAsset:        feeAsset,
		minExecutionFee: minExecutionFee,
		defaultTTL:      defaultTTL,
		requests:        make(map[string]*Request),
		accountIndex:    make(map[string]uint64),
		Events:          make(chan *RequestEvent, 4096),
		logger:          log.Root().New("module", "router"),
	}
}

// SetKeeper grants or revokes the keeper capability.
func (pr *PositionRouter) SetKeeper(addr string, ok bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if ok {
		pr.keepers[addr] = true
	} else {
		delete(pr.keepers, addr)
	}
}

// IsKeeper reports keeper set membership.
func (pr *PositionRouter) IsKeeper(addr string) bool {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.keepers[addr]
}

// SetPersister attaches a durable request store.
func (pr *PositionRouter) SetPersister(p RequestPersister) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.persister = p
}

// RestoreRequest installs a previously persisted request.
func (pr *PositionRouter) RestoreRequest(req *Request) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	copied := *req
	pr.requests[req.ID] = &copied
	if copied.Index >= pr.accountIndex[req.Account] {
		pr.accountIndex[req.Account] = copied.Index + 1
	}
}

// CreateSwapRequest escrows amountIn of assetIn plus the execution fee and
// queues a swap to be settled at execution-time prices.
func (pr *PositionRouter) CreateSwapRequest(account, assetIn, assetOut string, amountIn, minOut, executionFee float64) (string, error) {
	if amountIn <= 0 {
		return "", fmt.Errorf("%w: non-positive amount", ErrInvalidRequest)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()

	req := pr.newRequest(account, RequestSwap)
	req.AssetIn = assetIn
	req.AssetOut = assetOut
	req.AmountIn = amountIn
	req.MinOut = minOut
	req.ExecutionFee = executionFee

	if err := pr.escrow(req); err != nil {
		return "", err
	}
	pr.admit(req)
	return req.ID, nil
}

// CreateIncreaseRequest escrows collateralDelta of the collateral asset plus
// the execution fee and queues a position increase bounded by
// acceptablePrice.
func (pr *PositionRouter) CreateIncreaseRequest(account, collateralAsset, indexAsset string, dir Direction, collateralDelta, sizeDelta, acceptablePrice, executionFee float64) (string, error) {
	if sizeDelta <= 0 && collateralDelta <= 0 {
		return "", fmt.Errorf("%w: empty increase", ErrInvalidRequest)
	}
	if acceptablePrice <= 0 {
		return "", fmt.Errorf("%w: non-positive acceptable price", ErrInvalidRequest)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()

	req := pr.newRequest(account, RequestIncrease)
	req.AssetIn = collateralAsset
	req.CollateralAsset = collateralAsset
	req.IndexAsset = indexAsset
	req.Direction = dir
	req.AmountIn = collateralDelta
	req.SizeDelta = sizeDelta
	req.AcceptablePrice = acceptablePrice
	req.ExecutionFee = executionFee

	if err := pr.escrow(req); err != nil {
		return "", err
	}
	pr.admit(req)
	return req.ID, nil
}

// CreateDecreaseRequest queues a position decrease bounded by
// acceptablePrice. Only the execution fee is escrowed.
func (pr *PositionRouter) CreateDecreaseRequest(account, collateralAsset, indexAsset string, dir Direction, collateralDelta, sizeDelta, acceptablePrice, executionFee float64, receiver string) (string, error) {
	if sizeDelta <= 0 {
		return "", fmt.Errorf("%w: non-positive size delta", ErrInvalidRequest)
	}
	if acceptablePrice <= 0 {
		return "", fmt.Errorf("%w: non-positive acceptable price", ErrInvalidRequest)
	}
	if receiver == "" {
		receiver = account
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()

	req := pr.newRequest(account, RequestDecrease)
	req.CollateralAsset = collateralAsset
	req.IndexAsset = indexAsset
	req.Direction = dir
	req.CollateralDelta = collateralDelta
	req.SizeDelta = sizeDelta
	req.AcceptablePrice = acceptablePrice
	req.ExecutionFee = executionFee
	req.Receiver = receiver

	if err := pr.escrow(req); err != nil {
		return "", err
	}
	pr.admit(req)
	return req.ID, nil
}

// ExecuteRequest settles a pending request at current prices. Keepers only,
// within the validity window. An unsatisfied price bound leaves the request
// pending; a ledger rejection cancels it with a full refund.
func (pr *PositionRouter) ExecuteRequest(id, keeper string) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	req, ok := pr.requests[id]
	if !ok {
		return fmt.Errorf("%w: unknown request %s", ErrInvalidRequest, id)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: request is %s", ErrAlreadyProcessed, req.Status)
	}
	if !pr.keepers[keeper] {
		return ErrUnauthorized
	}

	now := time.Now()
	if req.Expired(now) {
		return ErrExpired
	}

	if err := pr.checkAcceptablePrice(req); err != nil {
		return err
	}

	var execErr error
	v := pr.vault
	switch req.Type {
	case RequestSwap:
		v.mu.Lock()
		_, execErr = v.swap(req.Account, req.AssetIn, req.AssetOut, req.AmountIn, req.MinOut, true)
		v.mu.Unlock()
	case RequestIncrease:
		v.mu.Lock()
		execErr = v.increasePosition(req.Account, req.CollateralAsset, req.IndexAsset, req.Direction, req.AmountIn, req.SizeDelta, true)
		v.mu.Unlock()
	case RequestDecrease:
		_, execErr = v.DecreasePosition(req.Account, req.CollateralAsset, req.IndexAsset, req.Direction, req.CollateralDelta, req.SizeDelta, req.Receiver)
	}

	if errors.Is(execErr, ErrPriceUnavailable) {
		// No price, no operation; the request stays pending for a retry.
		return execErr
	}
	if execErr != nil {
		// The ledger rejected the intent outright; terminal-cancel so the
		// escrow is recoverable immediately rather than at expiry.
		pr.finalize(req, StatusCancelled, keeper, true)
		pr.logger.Warn("request rejected by ledger, cancelled",
			"id", req.ID, "type", req.Type.String(), "error", execErr)
		return fmt.Errorf("request cancelled: %w", execErr)
	}

	pr.finalize(req, StatusExecuted, keeper, false)
	pr.logger.Info("request executed",
		"id", req.ID, "type", req.Type.String(), "keeper", keeper, "account", req.Account)
	return nil
}

// CancelRequest refunds a pending request. Before expiry only keepers may
// cancel; after expiry anyone may, so escrowed funds can never be stranded.
func (pr *PositionRouter) CancelRequest(id, caller string) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	req, ok := pr.requests[id]
	if !ok {
		return fmt.Errorf("%w: unknown request %s", ErrInvalidRequest, id)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: request is %s", ErrAlreadyProcessed, req.Status)
	}

	if !req.Expired(time.Now()) && !pr.keepers[caller] {
		return ErrUnauthorized
	}

	pr.finalize(req, StatusCancelled, caller, true)
	pr.logger.Info("request cancelled",
		"id", req.ID, "type", req.Type.String(), "caller", caller, "account", req.Account)
	return nil
}

// GetRequest returns a copy of a request.
func (pr *PositionRouter) GetRequest(id string) (Request, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	req, ok := pr.requests[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// PendingRequests returns copies of all requests still awaiting a terminal
// transition.
func (pr *PositionRouter) PendingRequests() []Request {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]Request, 0)
	for _, req := range pr.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	return out
}

// checkAcceptablePrice verifies the user's slippage bound against the
// current oracle price. Swaps carry the bound as MinOut and are checked by
// the ledger instead.
func (pr *PositionRouter) checkAcceptablePrice(req *Request) error {
	if req.Type == RequestSwap {
		return nil
	}

	// Opening rounds against the account, closing rounds toward it; both
	// use the bound sense the account asked for.
	var maximize bool
	var wantBelow bool
	if req.Type == RequestIncrease {
		maximize = req.Direction == Long
		wantBelow = req.Direction == Long
	} else {
		maximize = req.Direction == Short
		wantBelow = req.Direction == Short
	}

	price, err := pr.feed.GetPrice(req.IndexAsset, maximize)
	if err != nil {
		return err
	}
	if wantBelow && price > req.AcceptablePrice {
		return fmt.Errorf("%w: price %.4f above bound %.4f", ErrPriceNotSatisfied, price, req.AcceptablePrice)
	}
	if !wantBelow && price < req.AcceptablePrice {
		return fmt.Errorf("%w: price %.4f below bound %.4f", ErrPriceNotSatisfied, price, req.AcceptablePrice)
	}
	return nil
}

// newRequest allocates the next request for an account. Callers hold the
// router lock.
func (pr *PositionRouter) newRequest(account string, t RequestType) *Request {
	index := pr.accountIndex[account]
	pr.accountIndex[account] = index + 1
	return &Request{
		ID:         requestID(account, index),
		Account:    account,
		Index:      index,
		Type:       t,
		SubmitTime: time.Now(),
		TTL:        pr.defaultTTL,
		Status:     StatusPending,
	}
}

// escrow pulls the request's funds into custody. Nothing is recorded until
// both transfers succeed.
func (pr *PositionRouter) escrow(req *Request) error {
	if req.ExecutionFee < pr.minExecutionFee {
		return fmt.Errorf("%w: execution fee %.6f below minimum %.6f",
			ErrInvalidRequest, req.ExecutionFee, pr.minExecutionFee)
	}
	if req.ExecutionFee > 0 {
		if err := pr.custodian.TransferIn(pr.feeAsset, req.Account, req.ExecutionFee); err != nil {
			return err
		}
	}
	if req.AmountIn > 0 {
		if err := pr.custodian.TransferIn(req.AssetIn, req.Account, req.AmountIn); err != nil {
			if req.ExecutionFee > 0 {
				pr.custodian.TransferOut(pr.feeAsset, req.Account, req.ExecutionFee)
			}
			return err
		}
	}
	return nil
}

// admit records a freshly escrowed request. Callers hold the router lock.
func (pr *PositionRouter) admit(req *Request) {
	pr.requests[req.ID] = req
	pr.persistRequest(req)
	pr.emit("created", req)
	pr.logger.Info("request created",
		"id", req.ID, "type", req.Type.String(), "account", req.Account)
}

// finalize applies the single terminal transition, pays the execution fee
// to the processor and refunds escrow on cancellation.
func (pr *PositionRouter) finalize(req *Request, status RequestStatus, processor string, refund bool) {
	req.Status = status

	if refund && req.AmountIn > 0 {
		if err := pr.custodian.TransferOut(req.AssetIn, req.Account, req.AmountIn); err != nil {
			pr.logger.Error("escrow refund failed", "id", req.ID, "error", err)
		}
	}
	if req.ExecutionFee > 0 {
		if err := pr.custodian.TransferOut(pr.feeAsset, processor, req.ExecutionFee); err != nil {
			pr.logger.Error("execution fee payout failed", "id", req.ID, "error", err)
		}
	}

	pr.persistRequest(req)
	if status == StatusExecuted {
		pr.emit("executed", req)
	} else {
		pr.emit("cancelled", req)
	}
}

func (pr *PositionRouter) persistRequest(req *Request) {
	if pr.persister == nil {
		return
	}
	if err := pr.persister.SaveRequest(req); err != nil {
		pr.logger.Error("persist request failed", "id", req.ID, "error", err)
	}
}

func (pr *PositionRouter) emit(kind string, req *Request) {
	event := &RequestEvent{Kind: kind, Request: *req}
	select {
	case pr.Events <- event:
	default:
		// Channel full, drop event
	}
}

// requestID hashes the account and its sequence number.
func requestID(account string, index uint64) string {
	h := sha3.New256()
	fmt.Fprintf(h, "%s|%d", account, index)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
