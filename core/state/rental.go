package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"rentalpay/core/types"
	"rentalpay/native/rental"
)

var (
	rentalBookingPrefix = []byte("rental/booking/")
	rentalAccountPrefix = []byte("rental/account/")
	rentalNextIDKey     = []byte("rental/next-booking-id")
	rentalAdminKey      = []byte("rental/role/admin")
	rentalManagersKey   = []byte("rental/role/managers")
)

func rentalBookingKey(id uint64) []byte {
	buf := make([]byte, len(rentalBookingPrefix)+8)
	copy(buf, rentalBookingPrefix)
	binary.BigEndian.PutUint64(buf[len(rentalBookingPrefix):], id)
	return buf
}

func rentalAccountKey(addr [20]byte) []byte {
	buf := make([]byte, len(rentalAccountPrefix)+len(addr))
	copy(buf, rentalAccountPrefix)
	copy(buf[len(rentalAccountPrefix):], addr[:])
	return buf
}

type storedBooking struct {
	ID              uint64
	Renter          [20]byte
	Owner           [20]byte
	Amount          *big.Int
	StartTime       uint64
	EndTime         uint64
	IsDisputeRaised bool
	IsResolved      bool
	Commission      *big.Int
	DisputedAt      uint64
	ResolvedAt      uint64
	SettledTo       [20]byte
	SettledAmount   *big.Int
}

func newStoredBooking(b *rental.Booking) (*storedBooking, error) {
	sanitized, err := rental.SanitizeBooking(b)
	if err != nil {
		return nil, err
	}
	if sanitized.StartTime < 0 || sanitized.DisputedAt < 0 || sanitized.ResolvedAt < 0 {
		return nil, fmt.Errorf("rental: negative booking timestamp")
	}
	return &storedBooking{
		ID:              sanitized.ID,
		Renter:          sanitized.Renter,
		Owner:           sanitized.Owner,
		Amount:          sanitized.Amount,
		StartTime:       uint64(sanitized.StartTime),
		EndTime:         uint64(sanitized.EndTime),
		IsDisputeRaised: sanitized.IsDisputeRaised,
		IsResolved:      sanitized.IsResolved,
		Commission:      sanitized.Commission,
		DisputedAt:      uint64(sanitized.DisputedAt),
		ResolvedAt:      uint64(sanitized.ResolvedAt),
		SettledTo:       sanitized.SettledTo,
		SettledAmount:   sanitized.SettledAmount,
	}, nil
}

func (s *storedBooking) toBooking() *rental.Booking {
	return &rental.Booking{
		ID:              s.ID,
		Renter:          s.Renter,
		Owner:           s.Owner,
		Amount:          cloneBig(s.Amount),
		StartTime:       int64(s.StartTime),
		EndTime:         int64(s.EndTime),
		IsDisputeRaised: s.IsDisputeRaised,
		IsResolved:      s.IsResolved,
		Commission:      cloneBig(s.Commission),
		DisputedAt:      int64(s.DisputedAt),
		ResolvedAt:      int64(s.ResolvedAt),
		SettledTo:       s.SettledTo,
		SettledAmount:   cloneBig(s.SettledAmount),
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// BookingGet loads a booking by id.
func (v View) BookingGet(id uint64) (*rental.Booking, bool, error) {
	var stored storedBooking
	ok, err := v.KVGet(rentalBookingKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toBooking(), true, nil
}

// NextBookingID returns the id the next opened booking will receive. Ids
// start at one.
func (v View) NextBookingID() (uint64, error) {
	var next uint64
	ok, err := v.KVGet(rentalNextIDKey, &next)
	if err != nil {
		return 0, err
	}
	if !ok || next == 0 {
		return 1, nil
	}
	return next, nil
}

// AccountGet loads the ledger account for addr. Missing accounts are returned
// with a zero balance.
func (v View) AccountGet(addr [20]byte) (*types.Account, error) {
	acc := new(types.Account)
	ok, err := v.KVGet(rentalAccountKey(addr), acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	return types.EnsureAccount(acc), nil
}

// Admin returns the stored admin identity.
func (v View) Admin() ([20]byte, bool, error) {
	var admin [20]byte
	ok, err := v.KVGet(rentalAdminKey, &admin)
	return admin, ok, err
}

// Managers returns the stored manager list.
func (v View) Managers() ([][20]byte, error) {
	var managers [][20]byte
	if _, err := v.KVGet(rentalManagersKey, &managers); err != nil {
		return nil, err
	}
	if managers == nil {
		managers = [][20]byte{}
	}
	return managers, nil
}

// BookingPut stages a booking record.
func (tx *Tx) BookingPut(b *rental.Booking) error {
	stored, err := newStoredBooking(b)
	if err != nil {
		return err
	}
	return tx.KVPut(rentalBookingKey(stored.ID), stored)
}

// SetNextBookingID stages the booking id counter. The counter never moves
// backwards.
func (tx *Tx) SetNextBookingID(id uint64) error {
	current, err := tx.NextBookingID()
	if err != nil {
		return err
	}
	if id < current {
		return fmt.Errorf("rental: booking id counter cannot decrease from %d to %d", current, id)
	}
	return tx.KVPut(rentalNextIDKey, id)
}

// AccountPut stages a ledger account.
func (tx *Tx) AccountPut(addr [20]byte, acc *types.Account) error {
	acc = types.EnsureAccount(acc)
	if acc.Balance.Sign() < 0 {
		return fmt.Errorf("rental: negative balance for %x", addr)
	}
	return tx.KVPut(rentalAccountKey(addr), acc)
}

// SetAdmin stages the admin identity.
func (tx *Tx) SetAdmin(addr [20]byte) error {
	return tx.KVPut(rentalAdminKey, addr)
}

// SetManagers stages the full manager list.
func (tx *Tx) SetManagers(managers [][20]byte) error {
	if managers == nil {
		managers = [][20]byte{}
	}
	return tx.KVPut(rentalManagersKey, managers)
}

var _ rental.Txn = (*Tx)(nil)
var _ rental.Ledger = (*Manager)(nil)
