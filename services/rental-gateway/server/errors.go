package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"rentalpay/crypto"
	"rentalpay/gateway/auth"
	"rentalpay/native/rental"
	"rentalpay/services/rental-gateway/models"
)

var (
	errStoreUnavailable = errors.New("gateway database not configured")
	errReconDisabled    = errors.New("reconciliation disabled")
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorTable = []errorMapping{
	{rental.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{rental.ErrInvalidIdentity, http.StatusBadRequest, "invalid_identity"},
	{rental.ErrInvalidDuration, http.StatusBadRequest, "invalid_duration"},
	{crypto.ErrInvalidAddress, http.StatusBadRequest, "invalid_address"},
	{crypto.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
	{rental.ErrBookingNotFound, http.StatusNotFound, "booking_not_found"},
	{rental.ErrNotAuthorized, http.StatusForbidden, "not_authorized"},
	{rental.ErrDisputeRaised, http.StatusConflict, "dispute_raised"},
	{rental.ErrAlreadyResolved, http.StatusConflict, "already_resolved"},
	{rental.ErrAlreadyDisputed, http.StatusConflict, "already_disputed"},
	{rental.ErrDisputeNotRaised, http.StatusConflict, "dispute_not_raised"},
	{rental.ErrDisputeWindowExpired, http.StatusConflict, "dispute_window_expired"},
	{rental.ErrBookingNotEnded, http.StatusConflict, "booking_not_ended"},
	{rental.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{rental.ErrCommissionTransferFailed, http.StatusInternalServerError, "commission_transfer_failed"},
	{rental.ErrNotInitialized, http.StatusServiceUnavailable, "ledger_not_initialized"},
	{auth.ErrChallengeNotFound, http.StatusUnauthorized, "challenge_invalid"},
	{auth.ErrChallengeExpired, http.StatusUnauthorized, "challenge_expired"},
	{auth.ErrSignerMismatch, http.StatusUnauthorized, "signer_mismatch"},
	{models.ErrIdempotencyMismatch, http.StatusConflict, "idempotency_mismatch"},
	{errStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	{errReconDisabled, http.StatusServiceUnavailable, "recon_disabled"},
}

// requestError is a client error raised before reaching the ledger.
type requestError struct {
	msg string
}

func (e requestError) Error() string { return e.msg }

func badRequest(msg string) error { return requestError{msg: msg} }

// classify maps err to an HTTP status and a stable machine code.
func classify(err error) (int, string) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest, "invalid_request"
	}
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if code == "internal" {
			msg = "internal error"
		}
	}
	setErrorCode(r, code)
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
