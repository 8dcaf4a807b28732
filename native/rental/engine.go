package rental

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"rentalpay/core/events"
	"rentalpay/core/types"
)

// Engine owns the booking lifecycle: deposits move into the escrow vault when
// a booking opens, the commission is paid to the admin, and the held amount is
// later paid out exactly once to either the owner or the renter.
//
// Every mutating call holds the booking's lock stripe for its whole
// duration. Balance writes, id allocation and role updates are additionally
// serialised by a single ledger mutex. All writes of an operation are staged in one Txn and
// committed together, so a failed operation leaves no trace.
type Engine struct {
	ledger  Ledger
	params  Params
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64

	mu    sync.Mutex
	locks [bookingLockStripes]sync.Mutex
}

// bookingLockStripes bounds the per-booking locks. Distinct bookings may share
// a stripe; that only serialises them.
const bookingLockStripes = 256

// NewEngine creates an engine backed by the supplied ledger. The emitter
// defaults to a no-op implementation and the logger to slog.Default.
func NewEngine(ledger Ledger, params Params) (*Engine, error) {
	if ledger == nil {
		return nil, errNilLedger
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		ledger:  ledger,
		params:  params,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// Params returns the active policy.
func (e *Engine) Params() Params { return e.params }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger replaces the engine logger. Passing nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(rentalEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) windowSeconds() int64 {
	return int64(e.params.DisputeWindow / time.Second)
}

func (e *Engine) bookingLock(id uint64) *sync.Mutex {
	return &e.locks[id%bookingLockStripes]
}

func (e *Engine) reject(op string, id uint64, err error) error {
	e.logger.Debug("rental operation rejected", "op", op, "bookingId", id, "reason", err.Error())
	return err
}

// commit finalises tx or discards it when fn or the commit fails.
func commit(tx Txn, fn func(Txn) error) error {
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Discard()
		return fmt.Errorf("rental: commit: %w", err)
	}
	return nil
}

func validParty(addr [20]byte) bool {
	return addr != ([20]byte{}) && addr != VaultAddress
}

// transfer moves amount between two ledger accounts inside tx. Zero amounts
// are a no-op.
func (e *Engine) transfer(tx Txn, from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("rental: negative transfer amount")
	}
	fromAcc, err := tx.AccountGet(from)
	if err != nil {
		return err
	}
	fromAcc = types.EnsureAccount(fromAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromAcc.Balance, amt)
	}
	if from == to {
		return nil
	}
	toAcc, err := tx.AccountGet(to)
	if err != nil {
		return err
	}
	toAcc = types.EnsureAccount(toAcc)
	now := uint64(max(e.now(), 0))
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	fromAcc.Nonce++
	fromAcc.UpdatedAt = now
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	toAcc.UpdatedAt = now
	if err := tx.AccountPut(from, fromAcc); err != nil {
		return err
	}
	return tx.AccountPut(to, toAcc)
}

// Init records the admin identity on first start. Later calls must supply the
// same identity.
func (e *Engine) Init(admin [20]byte) error {
	if !validParty(admin) {
		return ErrInvalidIdentity
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return commit(e.ledger.Begin(), func(tx Txn) error {
		stored, ok, err := tx.Admin()
		if err != nil {
			return err
		}
		if ok {
			if stored != admin {
				return fmt.Errorf("%w: stored %x, configured %x", ErrAdminMismatch, stored, admin)
			}
			return nil
		}
		e.logger.Info("rental admin initialised", "admin", fmt.Sprintf("%x", admin))
		return tx.SetAdmin(admin)
	})
}

// OpenBooking takes deposit from the renter's account, pays the commission to
// the admin and holds the remainder in escrow until release or resolution.
// The booking starts now and ends durationSeconds later.
func (e *Engine) OpenBooking(renter, owner [20]byte, durationSeconds uint64, deposit *big.Int) (uint64, error) {
	if deposit == nil || deposit.Sign() <= 0 {
		return 0, e.reject("open", 0, ErrInvalidAmount)
	}
	if !validParty(renter) || !validParty(owner) {
		return 0, e.reject("open", 0, ErrInvalidIdentity)
	}
	now := e.now()
	window := e.windowSeconds()
	if now < 0 || durationSeconds > uint64(math.MaxInt64-window-now) {
		return 0, e.reject("open", 0, ErrInvalidDuration)
	}
	commission, net := e.params.Commission(deposit)

	e.mu.Lock()
	defer e.mu.Unlock()

	var booking *Booking
	err := commit(e.ledger.Begin(), func(tx Txn) error {
		admin, ok, err := tx.Admin()
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotInitialized
		}
		if err := e.transfer(tx, renter, VaultAddress, deposit); err != nil {
			return err
		}
		if err := e.transfer(tx, VaultAddress, admin, commission); err != nil {
			return fmt.Errorf("%w: %v", ErrCommissionTransferFailed, err)
		}
		id, err := tx.NextBookingID()
		if err != nil {
			return err
		}
		booking = &Booking{
			ID:            id,
			Renter:        renter,
			Owner:         owner,
			Amount:        net,
			StartTime:     now,
			EndTime:       now + int64(durationSeconds),
			Commission:    commission,
			SettledAmount: big.NewInt(0),
		}
		if err := tx.BookingPut(booking); err != nil {
			return err
		}
		return tx.SetNextBookingID(id + 1)
	})
	if err != nil {
		return 0, e.reject("open", 0, err)
	}
	e.logger.Info("rental booking opened",
		"op", "open",
		"bookingId", booking.ID,
		"amount", booking.Amount.String(),
		"commission", commission.String())
	e.emit(NewOpenedEvent(booking))
	return booking.ID, nil
}

// ReleasePayment pays the held amount to the owner and resolves the booking.
// Any identity may trigger a release while no dispute is open.
func (e *Engine) ReleasePayment(caller [20]byte, id uint64) error {
	lock := e.bookingLock(id)
	lock.Lock()
	defer lock.Unlock()

	tx := e.ledger.Begin()
	booking, err := e.loadForUpdate(tx, id)
	if err != nil {
		tx.Discard()
		return e.reject("release", id, err)
	}
	switch {
	case booking.IsResolved:
		err = ErrAlreadyResolved
	case booking.IsDisputeRaised:
		err = ErrDisputeRaised
	case e.params.EnforceEndTime && e.now() < booking.EndTime:
		err = ErrBookingNotEnded
	}
	if err != nil {
		tx.Discard()
		return e.reject("release", id, err)
	}

	e.mu.Lock()
	err = commit(tx, func(tx Txn) error { return e.settle(tx, booking, booking.Owner) })
	e.mu.Unlock()
	if err != nil {
		return e.reject("release", id, err)
	}
	e.logger.Info("rental booking released",
		"op", "release",
		"bookingId", id,
		"caller", fmt.Sprintf("%x", caller),
		"amount", booking.SettledAmount.String())
	e.emit(NewReleasedEvent(booking))
	return nil
}

// RaiseDispute freezes the booking until an admin or manager resolves it. Only
// the renter may dispute, and only until DisputeWindow after EndTime.
func (e *Engine) RaiseDispute(caller [20]byte, id uint64) error {
	lock := e.bookingLock(id)
	lock.Lock()
	defer lock.Unlock()

	var booking *Booking
	err := commit(e.ledger.Begin(), func(tx Txn) error {
		b, err := e.loadForUpdate(tx, id)
		if err != nil {
			return err
		}
		switch {
		case caller != b.Renter:
			return ErrNotAuthorized
		case b.IsResolved:
			return ErrAlreadyResolved
		case b.IsDisputeRaised:
			return ErrAlreadyDisputed
		}
		now := e.now()
		if now > b.EndTime+e.windowSeconds() {
			return ErrDisputeWindowExpired
		}
		b.IsDisputeRaised = true
		b.DisputedAt = now
		booking = b
		return tx.BookingPut(b)
	})
	if err != nil {
		return e.reject("dispute", id, err)
	}
	e.logger.Info("rental booking disputed", "op", "dispute", "bookingId", id)
	e.emit(NewDisputedEvent(booking))
	return nil
}

// ResolveDispute settles a disputed booking in full to the renter or to the
// owner. The caller must be the admin or a current manager.
func (e *Engine) ResolveDispute(caller [20]byte, id uint64, favorRenter bool) error {
	lock := e.bookingLock(id)
	lock.Lock()
	defer lock.Unlock()

	tx := e.ledger.Begin()
	fail := func(err error) error {
		tx.Discard()
		return e.reject("resolve", id, err)
	}
	if err := authorizeResolver(tx, caller); err != nil {
		return fail(err)
	}
	booking, err := e.loadForUpdate(tx, id)
	if err != nil {
		return fail(err)
	}
	if booking.IsResolved {
		return fail(ErrAlreadyResolved)
	}
	if !booking.IsDisputeRaised {
		return fail(ErrDisputeNotRaised)
	}
	recipient, outcome := booking.Owner, "owner"
	if favorRenter {
		recipient, outcome = booking.Renter, "renter"
	}

	e.mu.Lock()
	err = commit(tx, func(tx Txn) error { return e.settle(tx, booking, recipient) })
	e.mu.Unlock()
	if err != nil {
		return e.reject("resolve", id, err)
	}
	e.logger.Info("rental dispute resolved",
		"op", "resolve",
		"bookingId", id,
		"resolver", fmt.Sprintf("%x", caller),
		"outcome", outcome,
		"amount", booking.SettledAmount.String())
	e.emit(NewResolvedEvent(booking, outcome))
	return nil
}

func (e *Engine) loadForUpdate(tx Txn, id uint64) (*Booking, error) {
	booking, ok, err := tx.BookingGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || booking == nil {
		return nil, ErrBookingNotFound
	}
	return booking, nil
}

// settle pays the full held amount to recipient and marks the booking
// resolved. Callers hold the ledger mutex.
func (e *Engine) settle(tx Txn, b *Booking, recipient [20]byte) error {
	amount := cloneBigInt(b.Amount)
	if err := e.transfer(tx, VaultAddress, recipient, amount); err != nil {
		return err
	}
	b.Amount = big.NewInt(0)
	b.IsResolved = true
	b.ResolvedAt = e.now()
	b.SettledTo = recipient
	b.SettledAmount = amount
	return tx.BookingPut(b)
}

// Booking returns a snapshot of the booking with the supplied id.
func (e *Engine) Booking(id uint64) (*Booking, error) {
	tx := e.ledger.Begin()
	defer tx.Discard()
	booking, err := e.loadForUpdate(tx, id)
	if err != nil {
		return nil, err
	}
	return booking.Clone(), nil
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Bookings pages through bookings in id order starting at from. A zero from
// starts at the first booking.
func (e *Engine) Bookings(from uint64, limit int) ([]*Booking, error) {
	if from == 0 {
		from = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	tx := e.ledger.Begin()
	defer tx.Discard()
	next, err := tx.NextBookingID()
	if err != nil {
		return nil, err
	}
	out := make([]*Booking, 0, limit)
	for id := from; id < next && len(out) < limit; id++ {
		booking, ok, err := tx.BookingGet(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, booking.Clone())
		}
	}
	return out, nil
}

// LastBookingID returns the highest id allocated so far, or zero.
func (e *Engine) LastBookingID() (uint64, error) {
	tx := e.ledger.Begin()
	defer tx.Discard()
	next, err := tx.NextBookingID()
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}
