package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"rentalpay/crypto"
	"rentalpay/native/rental"
)

const maxListLimit = 500

func bookingID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("booking id must be a positive integer")
	}
	return id, nil
}

func (s *Server) getBooking(w http.ResponseWriter, r *http.Request) {
	id, err := bookingID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	booking, err := s.ledger.Booking(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBookingResponse(booking))
}

func (s *Server) listBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from uint64
	if raw := q.Get("from"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, badRequest("from must be a non-negative integer"))
			return
		}
		from = v
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > maxListLimit {
			s.writeError(w, r, badRequest("limit must be between 0 and 500"))
			return
		}
		limit = v
	}
	bookings, err := s.ledger.Bookings(from, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]interface{}{"bookings": bookingsFor(bookings)}
	if n := len(bookings); n > 0 {
		resp["next"] = bookings[n-1].ID + 1
	}
	writeJSON(w, http.StatusOK, resp)
}

// openBooking opens a booking paid by the authenticated caller.
func (s *Server) openBooking(w http.ResponseWriter, r *http.Request) {
	var req openBookingRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := crypto.ParseAddress(req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deposit, _ := parseWei(req.Deposit)
	renter := caller(r)

	var id uint64
	err = s.observe("open", func() error {
		var err error
		id, err = s.ledger.OpenBooking(renter, owner, *req.DurationSeconds, deposit)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setAuditBooking(r, id)
	s.respondBooking(w, r, http.StatusCreated, id)
}

func (s *Server) releasePayment(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "release", func(id uint64) error {
		return s.ledger.ReleasePayment(caller(r), id)
	})
}

func (s *Server) raiseDispute(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "dispute", func(id uint64) error {
		return s.ledger.RaiseDispute(caller(r), id)
	})
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.transition(w, r, "resolve", func(id uint64) error {
		return s.ledger.ResolveDispute(caller(r), id, *req.FavorRenter)
	})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op string, fn func(id uint64) error) {
	id, err := bookingID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.observe(op, func() error { return fn(id) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondBooking(w, r, http.StatusOK, id)
}

func (s *Server) respondBooking(w http.ResponseWriter, r *http.Request, status int, id uint64) {
	booking, err := s.ledger.Booking(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, newBookingResponse(booking))
}

func bookingsFor(bookings []*rental.Booking) []bookingResponse {
	out := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, newBookingResponse(b))
	}
	return out
}
