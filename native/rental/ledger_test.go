package rental

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"

	"rentalpay/core/types"
)

// memLedger is an in-memory Ledger with failure injection hooks.
type memLedger struct {
	mu       sync.Mutex
	bookings map[uint64]*Booking
	accounts map[[20]byte]*types.Account
	next     uint64
	admin    *[20]byte
	managers [][20]byte

	failAccountPut func(addr [20]byte) error
	failCommit     error
	commits        int
}

func newMemLedger() *memLedger {
	return &memLedger{
		bookings: make(map[uint64]*Booking),
		accounts: make(map[[20]byte]*types.Account),
		next:     1,
	}
}

func (l *memLedger) Begin() Txn {
	return &memTxn{
		l:        l,
		bookings: make(map[uint64]*Booking),
		accounts: make(map[[20]byte]*types.Account),
	}
}

func (l *memLedger) balance(addr [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.Balance)
}

func (l *memLedger) setBalance(addr [20]byte, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] = &types.Account{Balance: new(big.Int).Set(amount)}
}

func (l *memLedger) bookingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bookings)
}

type memTxn struct {
	l        *memLedger
	bookings map[uint64]*Booking
	accounts map[[20]byte]*types.Account
	next     *uint64
	admin    *[20]byte
	managers [][20]byte
	touched  bool
	closed   bool
}

func (t *memTxn) BookingGet(id uint64) (*Booking, bool, error) {
	if b, ok := t.bookings[id]; ok {
		return b.Clone(), true, nil
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	b, ok := t.l.bookings[id]
	if !ok {
		return nil, false, nil
	}
	return b.Clone(), true, nil
}

func (t *memTxn) BookingPut(b *Booking) error {
	sanitized, err := SanitizeBooking(b)
	if err != nil {
		return err
	}
	t.bookings[sanitized.ID] = sanitized
	return nil
}

func (t *memTxn) NextBookingID() (uint64, error) {
	if t.next != nil {
		return *t.next, nil
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	return t.l.next, nil
}

func (t *memTxn) SetNextBookingID(id uint64) error {
	t.next = &id
	return nil
}

func (t *memTxn) AccountGet(addr [20]byte) (*types.Account, error) {
	if acc, ok := t.accounts[addr]; ok {
		return acc.Copy(), nil
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	acc, ok := t.l.accounts[addr]
	if !ok {
		return types.NewAccount(), nil
	}
	return acc.Copy(), nil
}

func (t *memTxn) AccountPut(addr [20]byte, acc *types.Account) error {
	if t.l.failAccountPut != nil {
		if err := t.l.failAccountPut(addr); err != nil {
			return err
		}
	}
	t.accounts[addr] = acc.Copy()
	return nil
}

func (t *memTxn) Admin() ([20]byte, bool, error) {
	if t.admin != nil {
		return *t.admin, true, nil
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if t.l.admin == nil {
		return [20]byte{}, false, nil
	}
	return *t.l.admin, true, nil
}

func (t *memTxn) SetAdmin(addr [20]byte) error {
	t.admin = &addr
	return nil
}

func (t *memTxn) Managers() ([][20]byte, error) {
	if t.touched {
		return append([][20]byte(nil), t.managers...), nil
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	return append([][20]byte{}, t.l.managers...), nil
}

func (t *memTxn) SetManagers(managers [][20]byte) error {
	t.managers = append([][20]byte{}, managers...)
	t.touched = true
	return nil
}

func (t *memTxn) Commit() error {
	if t.closed {
		return fmt.Errorf("txn closed")
	}
	if t.l.failCommit != nil {
		return t.l.failCommit
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	for id, b := range t.bookings {
		t.l.bookings[id] = b
	}
	for addr, acc := range t.accounts {
		t.l.accounts[addr] = acc
	}
	if t.next != nil {
		t.l.next = *t.next
	}
	if t.admin != nil {
		admin := *t.admin
		t.l.admin = &admin
	}
	if t.touched {
		t.l.managers = t.managers
	}
	t.l.commits++
	t.closed = true
	return nil
}

func (t *memTxn) Discard() { t.closed = true }

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

// milliEther returns n thousandths of an ether.
func milliEther(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000))
}
