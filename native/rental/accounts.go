package rental

import (
	"fmt"
	"math/big"

	"rentalpay/core/types"
)

// Balance returns the ledger balance of account.
func (e *Engine) Balance(account [20]byte) (*big.Int, error) {
	acc, err := e.Account(account)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// Account returns a copy of the ledger account.
func (e *Engine) Account(account [20]byte) (*types.Account, error) {
	tx := e.ledger.Begin()
	defer tx.Discard()
	acc, err := tx.AccountGet(account)
	if err != nil {
		return nil, err
	}
	return types.EnsureAccount(acc).Copy(), nil
}

// Credit records a confirmed external deposit into account. Only the admin
// may credit.
func (e *Engine) Credit(caller, account [20]byte, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, e.reject("credit", 0, ErrInvalidAmount)
	}
	if !validParty(account) {
		return nil, e.reject("credit", 0, ErrInvalidIdentity)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var balance *big.Int
	err := commit(e.ledger.Begin(), func(tx Txn) error {
		if err := requireAdmin(tx, caller); err != nil {
			return err
		}
		acc, err := tx.AccountGet(account)
		if err != nil {
			return err
		}
		acc = types.EnsureAccount(acc)
		acc.Balance = new(big.Int).Add(acc.Balance, amount)
		acc.UpdatedAt = uint64(max(e.now(), 0))
		balance = new(big.Int).Set(acc.Balance)
		return tx.AccountPut(account, acc)
	})
	if err != nil {
		return nil, e.reject("credit", 0, err)
	}
	e.logger.Info("rental account credited", "op", "credit", "account", fmt.Sprintf("%x", account), "amount", amount.String())
	e.emit(NewCreditedEvent(account, amount, balance))
	return balance, nil
}

// Withdraw debits amount from the caller's own account for payout off-ledger.
func (e *Engine) Withdraw(account [20]byte, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, e.reject("withdraw", 0, ErrInvalidAmount)
	}
	if !validParty(account) {
		return nil, e.reject("withdraw", 0, ErrInvalidIdentity)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var balance *big.Int
	err := commit(e.ledger.Begin(), func(tx Txn) error {
		acc, err := tx.AccountGet(account)
		if err != nil {
			return err
		}
		acc = types.EnsureAccount(acc)
		if acc.Balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, acc.Balance, amount)
		}
		acc.Balance = new(big.Int).Sub(acc.Balance, amount)
		acc.Nonce++
		acc.UpdatedAt = uint64(max(e.now(), 0))
		balance = new(big.Int).Set(acc.Balance)
		return tx.AccountPut(account, acc)
	})
	if err != nil {
		return nil, e.reject("withdraw", 0, err)
	}
	e.logger.Info("rental account withdrawn", "op", "withdraw", "account", fmt.Sprintf("%x", account), "amount", amount.String())
	e.emit(NewWithdrawnEvent(account, amount, balance))
	return balance, nil
}
