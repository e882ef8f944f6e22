package perps

import (
	"fmt"
	"sync"
)

// LedgerCustodian is an in-memory Custodian backed by per-asset account
// balances. Deposits seed balances; transfers never partially apply.
type LedgerCustodian struct {
	balances map[string]map[string]float64 // asset -> account -> amount
	mu       sync.RWMutex
}

// NewLedgerCustodian creates an empty custodian.
func NewLedgerCustodian() *LedgerCustodian {
	return &LedgerCustodian{balances: make(map[string]map[string]float64)}
}

// Deposit credits an account from outside the system.
func (lc *LedgerCustodian) Deposit(asset, account string, amount float64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.credit(asset, account, amount)
}

// BalanceOf returns an account's free balance of asset.
func (lc *LedgerCustodian) BalanceOf(asset, account string) float64 {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.balances[asset][account]
}

// TransferIn moves amount of asset from the account into custody.
func (lc *LedgerCustodian) TransferIn(asset, account string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative transfer", ErrInvalidRequest)
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.balances[asset][account] < amount {
		return fmt.Errorf("%w: %s balance of %s too low", ErrInsufficientCollateral, asset, account)
	}
	lc.credit(asset, account, -amount)
	return nil
}

// TransferOut moves amount of asset from custody to the account.
func (lc *LedgerCustodian) TransferOut(asset, account string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative transfer", ErrInvalidRequest)
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.credit(asset, account, amount)
	return nil
}

func (lc *LedgerCustodian) credit(asset, account string, amount float64) {
	if lc.balances[asset] == nil {
		lc.balances[asset] = make(map[string]float64)
	}
	lc.balances[asset][account] += amount
}
