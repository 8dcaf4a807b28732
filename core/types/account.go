package types

import "math/big"

// Account is a ledger balance held on behalf of an identity. Deposits are
// drawn from it when a booking is opened and settlements are paid into it.
type Account struct {
	Balance *big.Int `json:"balance"`
	// Nonce counts debits so clients can detect concurrent withdrawals.
	Nonce     uint64 `json:"nonce"`
	UpdatedAt uint64 `json:"updatedAt"`
}

// NewAccount returns an empty account with a zero balance.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0)}
}

// EnsureAccount normalises a possibly nil account loaded from state.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return NewAccount()
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// Copy returns a deep copy of the account.
func (a *Account) Copy() *Account {
	if a == nil {
		return nil
	}
	out := *a
	if a.Balance != nil {
		out.Balance = new(big.Int).Set(a.Balance)
	} else {
		out.Balance = big.NewInt(0)
	}
	return &out
}
