package rental

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rentalpay/core/types"
)

// Ledger opens staged transactions against persistent state.
type Ledger interface {
	Begin() Txn
}

// Txn stages reads and writes. Nothing is visible to other transactions until
// Commit succeeds; Discard drops every staged write.
type Txn interface {
	BookingGet(id uint64) (*Booking, bool, error)
	BookingPut(b *Booking) error
	NextBookingID() (uint64, error)
	SetNextBookingID(id uint64) error

	AccountGet(addr [20]byte) (*types.Account, error)
	AccountPut(addr [20]byte, acc *types.Account) error

	Admin() ([20]byte, bool, error)
	SetAdmin(addr [20]byte) error
	Managers() ([][20]byte, error)
	SetManagers(managers [][20]byte) error

	Commit() error
	Discard()
}

// VaultAddress is the ledger account that holds escrowed booking amounts.
var VaultAddress = func() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("rental/escrow-vault"))[12:])
	return addr
}()
