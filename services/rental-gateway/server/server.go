package server

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"rentalpay/core/types"
	"rentalpay/crypto"
	"rentalpay/gateway/auth"
	gwmw "rentalpay/gateway/middleware"
	"rentalpay/native/rental"
	"rentalpay/observability"
	"rentalpay/services/rental-gateway/recon"
)

// Ledger is the subset of the rental engine exposed over HTTP.
type Ledger interface {
	OpenBooking(renter, owner [20]byte, durationSeconds uint64, deposit *big.Int) (uint64, error)
	ReleasePayment(caller [20]byte, id uint64) error
	RaiseDispute(caller [20]byte, id uint64) error
	ResolveDispute(caller [20]byte, id uint64, favorRenter bool) error
	Booking(id uint64) (*rental.Booking, error)
	Bookings(from uint64, limit int) ([]*rental.Booking, error)
	Admin() ([20]byte, error)
	Managers() ([][20]byte, error)
	AddManager(caller, identity [20]byte) error
	RemoveManager(caller, identity [20]byte) error
	Account(account [20]byte) (*types.Account, error)
	Credit(caller, account [20]byte, amount *big.Int) (*big.Int, error)
	Withdraw(account [20]byte, amount *big.Int) (*big.Int, error)
}

// Reconciler runs an on-demand settlement export.
type Reconciler interface {
	Run(ctx context.Context, opts recon.RunOptions) (*recon.Result, error)
}

// DropCounter is an event sink that discards events under back-pressure.
type DropCounter interface {
	Dropped() uint64
}

type subscriberCounter interface {
	Subscribers() int
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger         Ledger
	DB             *gorm.DB
	SignIn         *auth.SignIn
	Authenticator  *gwmw.Authenticator
	RateLimiter    *gwmw.RateLimiter
	Observability  *gwmw.Observability
	Metrics        *observability.LedgerMetrics
	Hub            http.Handler
	Sinks          map[string]DropCounter
	Reconciler     Reconciler
	CORS           gwmw.CORSConfig
	MetricsHandler http.Handler
	Logger         *slog.Logger
	Now            func() time.Time
}

// Server exposes the rental ledger over HTTP.
type Server struct {
	ledger        Ledger
	db            *gorm.DB
	signIn        *auth.SignIn
	authenticator *gwmw.Authenticator
	limiter       *gwmw.RateLimiter
	obs           *gwmw.Observability
	metrics       *observability.LedgerMetrics
	hub           http.Handler
	sinks         map[string]DropCounter
	reconciler    Reconciler
	cors          gwmw.CORSConfig
	metricsH      http.Handler
	logger        *slog.Logger
	now           func() time.Time
	validate      *validator.Validate
	idemLocks     stripedLocks

	router http.Handler
}

// New constructs the HTTP router with authentication and idempotency support.
func New(cfg Config) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("server: ledger is required")
	}
	if cfg.SignIn == nil || cfg.Authenticator == nil {
		return nil, errors.New("server: sign-in and authenticator are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	srv := &Server{
		ledger:        cfg.Ledger,
		db:            cfg.DB,
		signIn:        cfg.SignIn,
		authenticator: cfg.Authenticator,
		limiter:       cfg.RateLimiter,
		obs:           cfg.Observability,
		metrics:       cfg.Metrics,
		hub:           cfg.Hub,
		sinks:         cfg.Sinks,
		reconciler:    cfg.Reconciler,
		cors:          cfg.CORS,
		metricsH:      cfg.MetricsHandler,
		logger:        logger,
		now:           now,
		validate:      newValidator(),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(gwmw.CORS(s.cors))
	if s.obs != nil {
		r.Use(s.obs.Middleware)
	}

	r.Get("/healthz", s.health)
	if s.metricsH != nil {
		r.Handle("/metrics", s.metricsH)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(s.limit("auth"))
			public.Post("/auth/challenge", s.createChallenge)
			public.Post("/auth/session", s.createSession)
		})

		api.Group(func(reads chi.Router) {
			reads.Use(s.authenticator.Optional)
			reads.Use(s.limit("reads"))
			reads.Get("/bookings", s.listBookings)
			reads.Get("/bookings/{id}", s.getBooking)
			reads.Get("/managers", s.listManagers)
			reads.Get("/accounts/{address}", s.getAccount)
			if s.hub != nil {
				reads.Handle("/events/ws", s.hub)
			}
		})

		api.Group(func(protected chi.Router) {
			protected.Use(s.authenticator.Require)
			protected.Use(s.limit("mutations"))
			protected.Use(s.audit)
			protected.Use(s.idempotency)

			protected.Post("/bookings", s.openBooking)
			protected.Post("/bookings/{id}/release", s.releasePayment)
			protected.Post("/bookings/{id}/dispute", s.raiseDispute)
			protected.Post("/bookings/{id}/resolve", s.resolveDispute)

			protected.Put("/managers/{address}", s.addManager)
			protected.Delete("/managers/{address}", s.removeManager)

			protected.Post("/accounts/{address}/credit", s.creditAccount)
			protected.Post("/accounts/withdraw", s.withdraw)

			protected.Post("/webhooks", s.createWebhook)
			protected.Get("/webhooks", s.listWebhooks)
			protected.Post("/admin/reconcile", s.reconcile)
		})
	})
	return r
}

func (s *Server) limit(key string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.limiter.Middleware(key)
}

// health reports ledger availability and event sink back-pressure.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	code := http.StatusOK
	if _, err := s.ledger.Admin(); err != nil {
		resp["status"] = "ledger unavailable"
		code = http.StatusServiceUnavailable
	}
	if counter, ok := s.hub.(subscriberCounter); ok {
		resp["streamSubscribers"] = counter.Subscribers()
	}
	if len(s.sinks) > 0 {
		dropped := make(map[string]uint64, len(s.sinks))
		for name, sink := range s.sinks {
			dropped[name] = sink.Dropped()
		}
		resp["droppedEvents"] = dropped
	}
	writeJSON(w, code, resp)
}

// observe runs one ledger operation and records its latency and outcome.
func (s *Server) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	code := "ok"
	if err != nil {
		_, code = classify(err)
	}
	s.metrics.ObserveOperation(op, code, time.Since(start))
	return err
}

// caller returns the authenticated identity. Routes behind Require always
// carry one.
func caller(r *http.Request) crypto.Address {
	addr, _ := gwmw.IdentityFromContext(r.Context())
	return addr
}

func (s *Server) createChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := crypto.ParseAddress(req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	challenge, err := s.signIn.NewChallenge(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"challengeId": challenge.ID,
		"address":     challenge.Address.Hex(),
		"message":     challenge.Message(),
		"expiresAt":   challenge.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		s.writeError(w, r, badRequest("signature must be 0x-prefixed hex"))
		return
	}
	token, expires, err := s.signIn.Redeem(r.Context(), req.ChallengeID, sig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":     token,
		"tokenType": "Bearer",
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}
