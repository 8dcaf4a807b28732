package rental

import (
	"fmt"
	"math/big"
	"time"
)

const (
	// BpsDenominator is the basis point scale used for commission maths.
	BpsDenominator = 10_000
	// DefaultCommissionBps is the platform commission (5%) taken at booking.
	DefaultCommissionBps uint32 = 500
	// DefaultDisputeWindow is how long after EndTime a renter may dispute.
	DefaultDisputeWindow = 7 * 24 * time.Hour
)

// Booking is a single escrowed rental payment held by the ledger between
// renter and owner. Amount is the net escrowed value after commission and is
// zeroed once the booking is settled.
type Booking struct {
	ID              uint64
	Renter          [20]byte
	Owner           [20]byte
	Amount          *big.Int
	StartTime       int64
	EndTime         int64
	IsDisputeRaised bool
	IsResolved      bool

	// Audit fields recorded alongside the core lifecycle.
	Commission    *big.Int
	DisputedAt    int64
	ResolvedAt    int64
	SettledTo     [20]byte
	SettledAmount *big.Int
}

// Clone returns a deep copy of the booking so callers can safely mutate the
// copy without affecting the stored instance.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Amount = cloneBigInt(b.Amount)
	clone.Commission = cloneBigInt(b.Commission)
	clone.SettledAmount = cloneBigInt(b.SettledAmount)
	return &clone
}

// Status reports a human readable lifecycle label for the booking.
func (b *Booking) Status() string {
	switch {
	case b == nil:
		return ""
	case b.IsResolved:
		return "resolved"
	case b.IsDisputeRaised:
		return "disputed"
	default:
		return "active"
	}
}

// SanitizeBooking validates a booking definition and returns a normalised
// clone with non-nil amount fields.
func SanitizeBooking(b *Booking) (*Booking, error) {
	if b == nil {
		return nil, fmt.Errorf("nil booking")
	}
	clone := b.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("booking id must be positive")
	}
	if clone.Amount.Sign() < 0 || clone.Commission.Sign() < 0 || clone.SettledAmount.Sign() < 0 {
		return nil, fmt.Errorf("booking amounts must be non-negative")
	}
	if clone.EndTime < clone.StartTime {
		return nil, fmt.Errorf("booking end time before start time")
	}
	if clone.IsResolved && clone.Amount.Sign() != 0 {
		return nil, fmt.Errorf("resolved booking still holds funds")
	}
	return clone, nil
}

// Params configures the economic and timing policy of the engine.
type Params struct {
	// CommissionBps is taken from every deposit and paid to the admin.
	CommissionBps uint32
	// DisputeWindow is measured from the booking EndTime.
	DisputeWindow time.Duration
	// EnforceEndTime rejects releases before the booking EndTime.
	EnforceEndTime bool
}

// DefaultParams returns the production policy.
func DefaultParams() Params {
	return Params{
		CommissionBps: DefaultCommissionBps,
		DisputeWindow: DefaultDisputeWindow,
	}
}

// Validate checks that the parameters are internally consistent.
func (p Params) Validate() error {
	if p.CommissionBps > BpsDenominator {
		return fmt.Errorf("commission bps out of range: %d", p.CommissionBps)
	}
	if p.DisputeWindow < time.Second {
		return fmt.Errorf("dispute window must be at least one second")
	}
	return nil
}

// Commission splits a deposit into the platform commission and the net amount
// held in escrow. The commission is floored.
func (p Params) Commission(deposit *big.Int) (commission, net *big.Int) {
	amt := cloneBigInt(deposit)
	commission = new(big.Int).Mul(amt, new(big.Int).SetUint64(uint64(p.CommissionBps)))
	commission.Quo(commission, big.NewInt(BpsDenominator))
	net = new(big.Int).Sub(amt, commission)
	return commission, net
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
