package rental

import "errors"

var (
	ErrInvalidAmount            = errors.New("rental: deposit must be positive")
	ErrDisputeRaised            = errors.New("rental: dispute raised, cannot release")
	ErrAlreadyResolved          = errors.New("rental: booking already resolved")
	ErrAlreadyDisputed          = errors.New("rental: dispute already raised")
	ErrDisputeWindowExpired     = errors.New("rental: dispute window has passed")
	ErrNotAuthorized            = errors.New("rental: not authorized")
	ErrBookingNotFound          = errors.New("rental: booking not found")
	ErrCommissionTransferFailed = errors.New("rental: commission transfer failed")

	ErrDisputeNotRaised  = errors.New("rental: no dispute raised")
	ErrInsufficientFunds = errors.New("rental: insufficient funds")
	ErrInvalidIdentity   = errors.New("rental: invalid identity")
	ErrInvalidDuration   = errors.New("rental: booking duration out of range")
	ErrBookingNotEnded   = errors.New("rental: booking has not ended")
	ErrNotInitialized    = errors.New("rental: admin not initialised")
	ErrAdminMismatch     = errors.New("rental: configured admin differs from stored admin")

	errNilLedger = errors.New("rental engine: ledger not configured")
)
