package perps

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// OrderType classifies a trigger order.
type OrderType int

const (
	OrderIncrease OrderType = iota
	OrderDecrease
)

func (t OrderType) String() string {
	if t == OrderIncrease {
		return "increase"
	}
	return "decrease"
}

// TriggerOrder is a limit-class intent: it stays open indefinitely until
// its trigger condition is met and a keeper executes it, or the owner
// cancels it.
type TriggerOrder struct {
	ID      string
	Account string
	Index   uint64
	Type    OrderType

	CollateralAsset string
	IndexAsset      string
	Direction       Direction
	AmountIn        float64 // increase: escrowed collateral, asset units
	SizeDelta       float64 // notional USD
	CollateralDelta float64 // decrease: requested withdrawal, USD

	TriggerPrice          float64
	TriggerAboveThreshold bool

	ExecutionFee float64
	SubmitTime   time.Time
	Status       RequestStatus
}

// OrderPersister stores trigger order records.
type OrderPersister interface {
	SaveOrder(order *TriggerOrder) error
}

// OrderBook holds the open trigger orders. It shares the keeper set and
// escrow rules with the position router but has no expiry: orders live
// until executed or cancelled by their owner.
type OrderBook struct {
	vault     *Vault
	feed      *PriceFeed
	custodian Custodian
	persister OrderPersister

	keepers         map[string]bool
	feeAsset        string
	minExecutionFee float64

	orders       map[string]*TriggerOrder
	accountIndex map[string]uint64

	Events chan *RequestEvent

	logger log.Logger
	mu     sync.RWMutex
}

// NewOrderBook creates an empty trigger order book.
func NewOrderBook(vault *Vault, feed *PriceFeed, custodian Custodian, feeAsset string, minExecutionFee float64) *OrderBook {
	return &OrderBook{
		vault:           vault,
		feed:            feed,
		custodian:       custodian,
		keepers:         make(map[string]bool),
		feeAsset:        feeAsset,
		minExecutionFee: minExecutionFee,
		orders:          make(map[string]*TriggerOrder),
		accountIndex:    make(map[string]uint64),
		Events:          make(chan *RequestEvent, 1024),
		logger:          log.Root().New("module", "orderbook"),
	}
}

// SetKeeper grants or revokes the keeper capability.
func (ob *OrderBook) SetKeeper(addr string, ok bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if ok {
		ob.keepers[addr] = true
	} else {
		delete(ob.keepers, addr)
	}
}

// SetPersister attaches a durable order store.
func (ob *OrderBook) SetPersister(p OrderPersister) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.persister = p
}

// RestoreOrder installs a previously persisted order.
func (ob *OrderBook) RestoreOrder(order *TriggerOrder) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	copied := *order
	ob.orders[order.ID] = &copied
	if copied.Index >= ob.accountIndex[order.Account] {
		ob.accountIndex[order.Account] = copied.Index + 1
	}
}

// CreateIncreaseOrder escrows collateral plus the execution fee and queues
// a conditional position increase.
func (ob *OrderBook) CreateIncreaseOrder(account, collateralAsset, indexAsset string, dir Direction, collateralDelta, sizeDelta, triggerPrice float64, triggerAbove bool, executionFee float64) (string, error) {
	if sizeDelta <= 0 {
		return "", fmt.Errorf("%w: non-positive size delta", ErrInvalidRequest)
	}
	if triggerPrice <= 0 {
		return "", fmt.Errorf("%w: non-positive trigger price", ErrInvalidRequest)
	}
	if executionFee < ob.minExecutionFee {
		return "", fmt.Errorf("%w: execution fee below minimum", ErrInvalidRequest)
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if executionFee > 0 {
		if err := ob.custodian.TransferIn(ob.feeAsset, account, executionFee); err != nil {
			return "", err
		}
	}
	if collateralDelta > 0 {
		if err := ob.custodian.TransferIn(collateralAsset, account, collateralDelta); err != nil {
			if executionFee > 0 {
				ob.custodian.TransferOut(ob.feeAsset, account, executionFee)
			}
			return "", err
		}
	}

	order := ob.newOrder(account, OrderIncrease)
	order.CollateralAsset = collateralAsset
	order.IndexAsset = indexAsset
	order.Direction = dir
	order.AmountIn = collateralDelta
	order.SizeDelta = sizeDelta
	order.TriggerPrice = triggerPrice
	order.TriggerAboveThreshold = triggerAbove
	order.ExecutionFee = executionFee

	ob.admit(order)
	return order.ID, nil
}

// CreateDecreaseOrder queues a conditional position decrease (take-profit
// or stop-loss). Only the execution fee is escrowed.
func (ob *OrderBook) CreateDecreaseOrder(account, collateralAsset, indexAsset string, dir Direction, collateralDelta, sizeDelta, triggerPrice float64, triggerAbove bool, executionFee float64) (string, error) {
	if sizeDelta <= 0 {
		return "", fmt.Errorf("%w: non-positive size delta", ErrInvalidRequest)
	}
	if triggerPrice <= 0 {
		return "", fmt.Errorf("%w: non-positive trigger price", ErrInvalidRequest)
	}
	if executionFee < ob.minExecutionFee {
		return "", fmt.Errorf("%w: execution fee below minimum", ErrInvalidRequest)
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if executionFee > 0 {
		if err := ob.custodian.TransferIn(ob.feeAsset, account, executionFee); err != nil {
			return "", err
		}
	}

	order := ob.newOrder(account, OrderDecrease)
	order.CollateralAsset = collateralAsset
	order.IndexAsset = indexAsset
	order.Direction = dir
	order.CollateralDelta = collateralDelta
	order.SizeDelta = sizeDelta
	order.TriggerPrice = triggerPrice
	order.TriggerAboveThreshold = triggerAbove
	order.ExecutionFee = executionFee

	ob.admit(order)
	return order.ID, nil
}

// UpdateOrder lets the owner adjust the trigger of an open order.
func (ob *OrderBook) UpdateOrder(id, account string, triggerPrice float64, triggerAbove bool, sizeDelta float64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, ok := ob.orders[id]
	if !ok {
		return fmt.Errorf("%w: unknown order %s", ErrInvalidRequest, id)
	}
	if order.Account != account {
		return ErrUnauthorized
	}
	if order.Status != StatusPending {
		return fmt.Errorf("%w: order is %s", ErrAlreadyProcessed, order.Status)
	}
	if triggerPrice <= 0 || sizeDelta <= 0 {
		return fmt.Errorf("%w: bad update", ErrInvalidRequest)
	}

	order.TriggerPrice = triggerPrice
	order.TriggerAboveThreshold = triggerAbove
	order.SizeDelta = sizeDelta
	ob.persistOrder(order)
	ob.logger.Info("order updated", "id", id, "trigger", triggerPrice)
	return nil
}

// CancelOrder refunds an open order. Only the owner may cancel; trigger
// orders never expire on their own.
func (ob *OrderBook) CancelOrder(id, account string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, ok := ob.orders[id]
	if !ok {
		return fmt.Errorf("%w: unknown order %s", ErrInvalidRequest, id)
	}
	if order.Account != account {
		return ErrUnauthorized
	}
	if order.Status != StatusPending {
		return fmt.Errorf("%w: order is %s", ErrAlreadyProcessed, order.Status)
	}

	order.Status = StatusCancelled
	if order.AmountIn > 0 {
		if err := ob.custodian.TransferOut(order.CollateralAsset, order.Account, order.AmountIn); err != nil {
			ob.logger.Error("order escrow refund failed", "id", id, "error", err)
		}
	}
	if order.ExecutionFee > 0 {
		if err := ob.custodian.TransferOut(ob.feeAsset, order.Account, order.ExecutionFee); err != nil {
			ob.logger.Error("order fee refund failed", "id", id, "error", err)
		}
	}

	ob.persistOrder(order)
	ob.emit("cancelled", order)
	ob.logger.Info("order cancelled", "id", id, "account", account)
	return nil
}

// ExecuteOrder settles an order whose trigger condition holds at the
// current oracle price. Keepers only.
func (ob *OrderBook) ExecuteOrder(id, keeper string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, ok := ob.orders[id]
	if !ok {
		return fmt.Errorf("%w: unknown order %s", ErrInvalidRequest, id)
	}
	if order.Status != StatusPending {
		return fmt.Errorf("%w: order is %s", ErrAlreadyProcessed, order.Status)
	}
	if !ob.keepers[keeper] {
		return ErrUnauthorized
	}

	// Trigger checks use the price bound that favors the pool for the
	// resulting ledger operation.
	maximize := order.Direction == Long
	if order.Type == OrderDecrease {
		maximize = order.Direction == Short
	}
	price, err := ob.feed.GetPrice(order.IndexAsset, maximize)
	if err != nil {
		return err
	}
	if order.TriggerAboveThreshold && price < order.TriggerPrice {
		return fmt.Errorf("%w: price %.4f below trigger %.4f", ErrTriggerNotReached, price, order.TriggerPrice)
	}
	if !order.TriggerAboveThreshold && price > order.TriggerPrice {
		return fmt.Errorf("%w: price %.4f above trigger %.4f", ErrTriggerNotReached, price, order.TriggerPrice)
	}

	var execErr error
	v := ob.vault
	switch order.Type {
	case OrderIncrease:
		v.mu.Lock()
		execErr = v.increasePosition(order.Account, order.CollateralAsset, order.IndexAsset, order.Direction, order.AmountIn, order.SizeDelta, true)
		v.mu.Unlock()
	case OrderDecrease:
		_, execErr = v.DecreasePosition(order.Account, order.CollateralAsset, order.IndexAsset, order.Direction, order.CollateralDelta, order.SizeDelta, order.Account)
	}
	if execErr != nil {
		// Trigger held but the ledger refused; the order stays open so a
		// later state (more liquidity, topped-up position) can satisfy it.
		return execErr
	}

	order.Status = StatusExecuted
	if order.ExecutionFee > 0 {
		if err := ob.custodian.TransferOut(ob.feeAsset, keeper, order.ExecutionFee); err != nil {
			ob.logger.Error("order fee payout failed", "id", id, "error", err)
		}
	}

	ob.persistOrder(order)
	ob.emit("executed", order)
	ob.logger.Info("order executed", "id", id, "keeper", keeper, "price", price)
	return nil
}

// GetOrder returns a copy of an order.
func (ob *OrderBook) GetOrder(id string) (TriggerOrder, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	order, ok := ob.orders[id]
	if !ok {
		return TriggerOrder{}, false
	}
	return *order, true
}

// OpenOrders returns copies of all orders still awaiting execution.
func (ob *OrderBook) OpenOrders() []TriggerOrder {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make([]TriggerOrder, 0)
	for _, order := range ob.orders {
		if order.Status == StatusPending {
			out = append(out, *order)
		}
	}
	return out
}

func (ob *OrderBook) newOrder(account string, t OrderType) *TriggerOrder {
	index := ob.accountIndex[account]
	ob.accountIndex[account] = index + 1
	return &TriggerOrder{
		ID:         requestID("order:"+account, index),
		Account:    account,
		Index:      index,
		Type:       t,
		SubmitTime: time.Now(),
		Status:     StatusPending,
	}
}

func (ob *OrderBook) admit(order *TriggerOrder) {
	ob.orders[order.ID] = order
	ob.persistOrder(order)
	ob.emit("created", order)
	ob.logger.Info("order created",
		"id", order.ID, "type", order.Type.String(), "account", order.Account,
		"trigger", order.TriggerPrice, "above", order.TriggerAboveThreshold)
}

func (ob *OrderBook) persistOrder(order *TriggerOrder) {
	if ob.persister == nil {
		return
	}
	if err := ob.persister.SaveOrder(order); err != nil {
		ob.logger.Error("persist order failed", "id", order.ID, "error", err)
	}
}

func (ob *OrderBook) emit(kind string, order *TriggerOrder) {
	event := &RequestEvent{Kind: "order_" + kind, Request: Request{
		ID:              order.ID,
		Account:         order.Account,
		Index:           order.Index,
		CollateralAsset: order.CollateralAsset,
		IndexAsset:      order.IndexAsset,
		Direction:       order.Direction,
		AmountIn:        order.AmountIn,
		SizeDelta:       order.SizeDelta,
		CollateralDelta: order.CollateralDelta,
		ExecutionFee:    order.ExecutionFee,
		SubmitTime:      order.SubmitTime,
		Status:          order.Status,
	}}
	select {
	case ob.Events <- event:
	default:
		// Channel full, drop event
	}
}
