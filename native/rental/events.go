package rental

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"rentalpay/core/types"
)

const (
	EventTypeBookingOpened    = "rental.booking.opened"
	EventTypeBookingReleased  = "rental.booking.released"
	EventTypeBookingDisputed  = "rental.booking.disputed"
	EventTypeBookingResolved  = "rental.booking.resolved"
	EventTypeManagerAdded     = "rental.manager.added"
	EventTypeManagerRemoved   = "rental.manager.removed"
	EventTypeAccountCredited  = "rental.account.credited"
	EventTypeAccountWithdrawn = "rental.account.withdrawn"
)

type rentalEvent struct {
	evt *types.Event
}

func (e rentalEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e rentalEvent) Event() *types.Event { return e.evt }

// NewOpenedEvent returns the canonical payload for a newly opened booking.
func NewOpenedEvent(b *Booking) *types.Event { return newBookingEvent(EventTypeBookingOpened, b, "") }

// NewReleasedEvent returns the payload for a release of escrow to the owner.
func NewReleasedEvent(b *Booking) *types.Event {
	return newBookingEvent(EventTypeBookingReleased, b, "")
}

// NewDisputedEvent returns the payload emitted when the renter disputes.
func NewDisputedEvent(b *Booking) *types.Event {
	return newBookingEvent(EventTypeBookingDisputed, b, "")
}

// NewResolvedEvent returns the payload emitted when a dispute is settled.
// Outcome is either "renter" or "owner".
func NewResolvedEvent(b *Booking, outcome string) *types.Event {
	return newBookingEvent(EventTypeBookingResolved, b, outcome)
}

func NewManagerAddedEvent(manager, by [20]byte) *types.Event {
	return newRoleEvent(EventTypeManagerAdded, manager, by)
}

func NewManagerRemovedEvent(manager, by [20]byte) *types.Event {
	return newRoleEvent(EventTypeManagerRemoved, manager, by)
}

func NewCreditedEvent(account [20]byte, amount, balance *big.Int) *types.Event {
	return newAccountEvent(EventTypeAccountCredited, account, amount, balance)
}

func NewWithdrawnEvent(account [20]byte, amount, balance *big.Int) *types.Event {
	return newAccountEvent(EventTypeAccountWithdrawn, account, amount, balance)
}

func newBookingEvent(eventType string, b *Booking, outcome string) *types.Event {
	attrs := make(map[string]string)
	if b == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeBooking(b)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["bookingId"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["renter"] = hex.EncodeToString(sanitized.Renter[:])
	attrs["owner"] = hex.EncodeToString(sanitized.Owner[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["commission"] = sanitized.Commission.String()
	attrs["startTime"] = strconv.FormatInt(sanitized.StartTime, 10)
	attrs["endTime"] = strconv.FormatInt(sanitized.EndTime, 10)
	attrs["status"] = sanitized.Status()
	if sanitized.IsResolved {
		attrs["settledTo"] = hex.EncodeToString(sanitized.SettledTo[:])
		attrs["settledAmount"] = sanitized.SettledAmount.String()
		attrs["resolvedAt"] = strconv.FormatInt(sanitized.ResolvedAt, 10)
	}
	if outcome != "" {
		attrs["outcome"] = outcome
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newRoleEvent(eventType string, manager, by [20]byte) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"manager": hex.EncodeToString(manager[:]),
		"by":      hex.EncodeToString(by[:]),
	}}
}

func newAccountEvent(eventType string, account [20]byte, amount, balance *big.Int) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"account": hex.EncodeToString(account[:]),
		"amount":  cloneBigInt(amount).String(),
		"balance": cloneBigInt(balance).String(),
	}}
}
