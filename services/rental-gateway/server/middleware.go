package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"lukechampine.com/blake3"

	gwmw "rentalpay/gateway/middleware"
	"rentalpay/services/rental-gateway/models"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplay         = "Idempotent-Replay"
	maxIdempotencyKeyLen = 128
	idempotencyStripes   = 64
)

type auditStateKey struct{}

type auditState struct {
	code      string
	bookingID uint64
}

func auditFrom(r *http.Request) *auditState {
	st, _ := r.Context().Value(auditStateKey{}).(*auditState)
	return st
}

func setErrorCode(r *http.Request, code string) {
	if st := auditFrom(r); st != nil {
		st.code = code
	}
}

func setAuditBooking(r *http.Request, id uint64) {
	if st := auditFrom(r); st != nil {
		st.bookingID = id
	}
}

type captureWriter struct {
	http.ResponseWriter
	status  int
	capture bool
	body    bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.capture {
		c.body.Write(b)
	}
	return c.ResponseWriter.Write(b)
}

// audit records every mutating request with its outcome.
func (s *Server) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || s.db == nil {
			next.ServeHTTP(w, r)
			return
		}
		state := &auditState{}
		r = r.WithContext(context.WithValue(r.Context(), auditStateKey{}, state))
		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := models.AuditEntry{
			RequestID:  chimw.GetReqID(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     rec.status,
			BookingID:  state.bookingID,
			ErrorCode:  state.code,
			OccurredAt: s.now().UTC(),
		}
		if caller, ok := gwmw.IdentityFromContext(r.Context()); ok {
			entry.Caller = caller.Hex()
		}
		if entry.BookingID == 0 {
			if id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64); err == nil {
				entry.BookingID = id
			}
		}
		if err := models.InsertAudit(r.Context(), s.db, entry); err != nil {
			s.logger.Warn("write audit entry", "path", r.URL.Path, "error", err)
		}
	})
}

// idempotency replays the stored response when a caller repeats an
// Idempotency-Key with the same request, and rejects reuse with a different
// one. Server errors are not cached so the caller may retry.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" || r.Method == http.MethodGet || s.db == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			s.writeError(w, r, badRequest("Idempotency-Key too long"))
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			s.writeError(w, r, badRequest("read body: "+err.Error()))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		caller, _ := gwmw.IdentityFromContext(r.Context())
		scope := caller.Hex()
		lock := s.idemLock(scope, key)
		lock.Lock()
		defer lock.Unlock()

		hash := fingerprint(r.Method, r.URL.Path, body)
		cached, err := models.LookupIdempotency(r.Context(), s.db, scope, key, hash)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplay, "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Response)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK, capture: true}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			return
		}
		record := models.IdempotencyKey{
			Caller:      scope,
			Key:         key,
			RequestHash: hash,
			Method:      r.Method,
			Path:        r.URL.Path,
			Status:      rec.status,
			Response:    rec.body.Bytes(),
			CreatedAt:   s.now().UTC(),
		}
		if err := models.SaveIdempotency(r.Context(), s.db, record); err != nil {
			s.logger.Warn("store idempotency key", "path", r.URL.Path, "error", err)
		}
	})
}

type stripedLocks [idempotencyStripes]sync.Mutex

func (s *Server) idemLock(scope, key string) *sync.Mutex {
	sum := blake3.Sum256([]byte(scope + "|" + key))
	return &s.idemLocks[int(sum[0])%idempotencyStripes]
}

func fingerprint(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
