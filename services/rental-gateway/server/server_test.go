package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rentalpay/core/state"
	"rentalpay/crypto"
	"rentalpay/gateway/auth"
	gwmw "rentalpay/gateway/middleware"
	"rentalpay/native/rental"
	"rentalpay/services/rental-gateway/models"
	"rentalpay/services/rental-gateway/recon"
	"rentalpay/services/rental-gateway/stream"
	"rentalpay/storage"
)

var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	engine *rental.Engine
	db     *gorm.DB
	admin  *crypto.PrivateKey
	now    int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := rental.NewEngine(state.NewManager(storage.NewMemDB()), rental.DefaultParams())
	require.NoError(t, err)
	engine.SetLogger(logger)

	admin, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, engine.Init(admin.Address()))

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret:   "0123456789abcdef0123456789abcdef",
		Issuer:   "rental-gateway",
		Audience: "rental-api",
		TTL:      time.Hour,
	}, nil)
	require.NoError(t, err)

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:        db,
		Source:    engine,
		OutputDir: t.TempDir(),
		Logger:    logger,
	})
	require.NoError(t, err)

	h := &harness{t: t, engine: engine, db: db, admin: admin, now: 1_700_000_000}
	engine.SetNowFunc(func() int64 { return h.now })

	cfg := Config{
		Ledger:        engine,
		DB:            db,
		SignIn:        auth.NewSignIn(nil, tokens, time.Minute, nil),
		Authenticator: gwmw.NewAuthenticator(tokens, logger),
		Reconciler:    reconciler,
		Logger:        logger,
	}
	if configure != nil {
		configure(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	h.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) newKey() *crypto.PrivateKey {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(h.t, err)
	return key
}

func (h *harness) fund(addr crypto.Address, amount *big.Int) {
	_, err := h.engine.Credit(h.admin.Address(), addr, amount)
	require.NoError(h.t, err)
}

func (h *harness) login(key *crypto.PrivateKey) string {
	h.t.Helper()
	var challenge struct {
		ChallengeID string `json:"challengeId"`
		Message     string `json:"message"`
	}
	status := h.do(http.MethodPost, "/v1/auth/challenge", "", map[string]string{"address": key.Address().Hex()}, nil, &challenge)
	require.Equal(h.t, http.StatusCreated, status)

	sig, err := key.SignMessage([]byte(challenge.Message))
	require.NoError(h.t, err)

	var session struct {
		Token string `json:"token"`
	}
	status = h.do(http.MethodPost, "/v1/auth/session", "", map[string]string{
		"challengeId": challenge.ChallengeID,
		"signature":   hexutil.Encode(sig),
	}, nil, &session)
	require.Equal(h.t, http.StatusCreated, status)
	require.NotEmpty(h.t, session.Token)
	return session.Token
}

func (h *harness) do(method, path, token string, body interface{}, header http.Header, out interface{}) int {
	h.t.Helper()
	resp := h.raw(method, path, token, body, header)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) raw(method, path, token string, body interface{}, header http.Header) *http.Response {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	return resp
}

func (h *harness) balance(addr crypto.Address) *big.Int {
	bal, err := h.engine.Balance(addr)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) openBooking(token string, owner crypto.Address) bookingResponse {
	h.t.Helper()
	var booking bookingResponse
	status := h.do(http.MethodPost, "/v1/bookings", token, map[string]interface{}{
		"owner":           owner.Hex(),
		"durationSeconds": 3600,
		"deposit":         oneEther.String(),
	}, nil, &booking)
	require.Equal(h.t, http.StatusCreated, status)
	return booking
}

func TestOpenAndReleaseBooking(t *testing.T) {
	h := newHarness(t)
	renter, owner := h.newKey(), h.newKey()
	h.fund(renter.Address(), new(big.Int).Mul(oneEther, big.NewInt(2)))
	adminBefore := h.balance(h.admin.Address())

	token := h.login(renter)
	booking := h.openBooking(token, owner.Address())
	require.Equal(t, uint64(1), booking.ID)
	require.Equal(t, "950000000000000000", booking.Amount)
	require.Equal(t, "50000000000000000", booking.Commission)
	require.Equal(t, "active", booking.Status)
	require.Equal(t, renter.Address().Hex(), booking.Renter)

	commission, _ := new(big.Int).SetString("50000000000000000", 10)
	require.Equal(t, new(big.Int).Add(adminBefore, commission).String(), h.balance(h.admin.Address()).String())

	var released bookingResponse
	status := h.do(http.MethodPost, "/v1/bookings/1/release", token, nil, nil, &released)
	require.Equal(t, http.StatusOK, status)
	require.True(t, released.IsResolved)
	require.Equal(t, "resolved", released.Status)
	require.Equal(t, owner.Address().Hex(), released.SettledTo)
	require.Equal(t, "950000000000000000", h.balance(owner.Address()).String())

	var errBody errorBody
	status = h.do(http.MethodPost, "/v1/bookings/1/release", token, nil, nil, &errBody)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "already_resolved", errBody.Code)

	var fetched bookingResponse
	status = h.do(http.MethodGet, "/v1/bookings/1", "", nil, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, released, fetched)
}

func TestDisputeResolvedByManager(t *testing.T) {
	h := newHarness(t)
	renter, owner, manager := h.newKey(), h.newKey(), h.newKey()
	h.fund(renter.Address(), oneEther)

	renterToken := h.login(renter)
	ownerToken := h.login(owner)
	managerToken := h.login(manager)
	adminToken := h.login(h.admin)

	h.openBooking(renterToken, owner.Address())

	var errBody errorBody
	status := h.do(http.MethodPost, "/v1/bookings/1/dispute", ownerToken, nil, nil, &errBody)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "not_authorized", errBody.Code)

	var disputed bookingResponse
	status = h.do(http.MethodPost, "/v1/bookings/1/dispute", renterToken, nil, nil, &disputed)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "disputed", disputed.Status)

	status = h.do(http.MethodPost, "/v1/bookings/1/release", ownerToken, nil, nil, &errBody)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "dispute_raised", errBody.Code)

	favor := map[string]bool{"favorRenter": true}
	status = h.do(http.MethodPost, "/v1/bookings/1/resolve", managerToken, favor, nil, &errBody)
	require.Equal(t, http.StatusForbidden, status)

	status = h.do(http.MethodPut, "/v1/managers/"+manager.Address().Hex(), managerToken, nil, nil, &errBody)
	require.Equal(t, http.StatusForbidden, status)

	var roles struct {
		Admin    string   `json:"admin"`
		Managers []string `json:"managers"`
	}
	for i := 0; i < 2; i++ {
		status = h.do(http.MethodPut, "/v1/managers/"+manager.Address().Hex(), adminToken, nil, nil, &roles)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, []string{manager.Address().Hex()}, roles.Managers)
	}
	require.Equal(t, h.admin.Address().Hex(), roles.Admin)

	var resolved bookingResponse
	status = h.do(http.MethodPost, "/v1/bookings/1/resolve", managerToken, favor, nil, &resolved)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, renter.Address().Hex(), resolved.SettledTo)
	require.Equal(t, "950000000000000000", h.balance(renter.Address()).String())
	require.Equal(t, "0", h.balance(owner.Address()).String())

	status = h.do(http.MethodDelete, "/v1/managers/"+manager.Address().Hex(), adminToken, nil, nil, &roles)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, roles.Managers)
}

func TestDisputeWindowExpired(t *testing.T) {
	h := newHarness(t)
	renter, owner := h.newKey(), h.newKey()
	h.fund(renter.Address(), oneEther)
	token := h.login(renter)
	h.openBooking(token, owner.Address())

	h.now += 3600 + int64(rental.DefaultDisputeWindow/time.Second) + 1
	var errBody errorBody
	status := h.do(http.MethodPost, "/v1/bookings/1/dispute", token, nil, nil, &errBody)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "dispute_window_expired", errBody.Code)
}

func TestRequestErrors(t *testing.T) {
	h := newHarness(t)
	renter := h.newKey()
	token := h.login(renter)

	var errBody errorBody
	status := h.do(http.MethodPost, "/v1/bookings", "", map[string]interface{}{}, nil, &errBody)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthenticated", errBody.Code)

	status = h.do(http.MethodPost, "/v1/bookings", token, map[string]interface{}{
		"owner":           "not-an-address",
		"durationSeconds": 60,
		"deposit":         "-1",
	}, nil, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_request", errBody.Code)

	status = h.do(http.MethodPost, "/v1/bookings", token, map[string]interface{}{
		"owner":           h.newKey().Address().Hex(),
		"durationSeconds": 60,
		"deposit":         oneEther.String(),
	}, nil, &errBody)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "insufficient_funds", errBody.Code)

	status = h.do(http.MethodGet, "/v1/bookings/42", "", nil, nil, &errBody)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "booking_not_found", errBody.Code)

	status = h.do(http.MethodGet, "/v1/bookings/abc", "", nil, nil, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestSessionRejectsForeignSignature(t *testing.T) {
	h := newHarness(t)
	victim, attacker := h.newKey(), h.newKey()

	var challenge struct {
		ChallengeID string `json:"challengeId"`
		Message     string `json:"message"`
	}
	status := h.do(http.MethodPost, "/v1/auth/challenge", "", map[string]string{"address": victim.Address().Hex()}, nil, &challenge)
	require.Equal(t, http.StatusCreated, status)

	sig, err := attacker.SignMessage([]byte(challenge.Message))
	require.NoError(t, err)
	var errBody errorBody
	status = h.do(http.MethodPost, "/v1/auth/session", "", map[string]string{
		"challengeId": challenge.ChallengeID,
		"signature":   hexutil.Encode(sig),
	}, nil, &errBody)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "signer_mismatch", errBody.Code)
}

func TestIdempotentOpenBooking(t *testing.T) {
	h := newHarness(t)
	renter, owner := h.newKey(), h.newKey()
	h.fund(renter.Address(), new(big.Int).Mul(oneEther, big.NewInt(3)))
	token := h.login(renter)

	body := map[string]interface{}{
		"owner":           owner.Address().Hex(),
		"durationSeconds": 3600,
		"deposit":         oneEther.String(),
	}
	header := http.Header{headerIdempotencyKey: []string{"open-1"}}

	first := h.raw(http.MethodPost, "/v1/bookings", token, body, header)
	firstBody, err := io.ReadAll(first.Body)
	first.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second := h.raw(http.MethodPost, "/v1/bookings", token, body, header)
	secondBody, err := io.ReadAll(second.Body)
	second.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	require.Equal(t, "true", second.Header.Get(headerReplay))
	require.JSONEq(t, string(firstBody), string(secondBody))

	last, err := h.engine.LastBookingID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)

	body["durationSeconds"] = 7200
	var errBody errorBody
	status := h.do(http.MethodPost, "/v1/bookings", token, body, header, &errBody)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "idempotency_mismatch", errBody.Code)
}

func TestAuditTrail(t *testing.T) {
	h := newHarness(t)
	renter, owner := h.newKey(), h.newKey()
	h.fund(renter.Address(), oneEther)
	token := h.login(renter)
	h.openBooking(token, owner.Address())
	h.do(http.MethodPost, "/v1/bookings/1/resolve", token, map[string]bool{"favorRenter": true}, nil, nil)

	var entries []models.AuditEntry
	require.NoError(t, h.db.Order("occurred_at, path").Find(&entries).Error)
	require.Len(t, entries, 2)

	byPath := map[string]models.AuditEntry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	opened := byPath["/v1/bookings"]
	require.Equal(t, uint64(1), opened.BookingID)
	require.Equal(t, http.StatusCreated, opened.Status)
	require.Equal(t, renter.Address().Hex(), opened.Caller)
	require.NotEmpty(t, opened.RequestID)

	rejected := byPath["/v1/bookings/1/resolve"]
	require.Equal(t, uint64(1), rejected.BookingID)
	require.Equal(t, http.StatusForbidden, rejected.Status)
	require.Equal(t, "not_authorized", rejected.ErrorCode)
}

func TestAccountsAndAdminRoutes(t *testing.T) {
	h := newHarness(t)
	user := h.newKey()
	adminToken := h.login(h.admin)
	userToken := h.login(user)

	var acc accountResponse
	path := "/v1/accounts/" + user.Address().Hex()
	status := h.do(http.MethodPost, path+"/credit", userToken, map[string]string{"amount": "100"}, nil, nil)
	require.Equal(t, http.StatusForbidden, status)

	status = h.do(http.MethodPost, path+"/credit", adminToken, map[string]string{"amount": "100"}, nil, &acc)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "100", acc.Balance)

	status = h.do(http.MethodPost, "/v1/accounts/withdraw", userToken, map[string]string{"amount": "40"}, nil, &acc)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "60", acc.Balance)
	require.Equal(t, uint64(1), acc.Nonce)

	status = h.do(http.MethodGet, path, "", nil, nil, &acc)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "60", acc.Balance)

	webhook := map[string]interface{}{
		"eventType": "rental.booking.released",
		"url":       "https://example.com/hooks",
		"secret":    "0123456789abcdef",
	}
	status = h.do(http.MethodPost, "/v1/webhooks", userToken, webhook, nil, nil)
	require.Equal(t, http.StatusForbidden, status)

	var created webhookResponse
	status = h.do(http.MethodPost, "/v1/webhooks", adminToken, webhook, nil, &created)
	require.Equal(t, http.StatusCreated, status)
	require.True(t, created.Active)

	var listed struct {
		Webhooks []webhookResponse `json:"webhooks"`
	}
	status = h.do(http.MethodGet, "/v1/webhooks", adminToken, nil, nil, &listed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listed.Webhooks, 1)
	require.Equal(t, created.ID, listed.Webhooks[0].ID)

	window := map[string]string{
		"start": time.Unix(h.now-3600, 0).UTC().Format(time.RFC3339),
		"end":   time.Unix(h.now+3600, 0).UTC().Format(time.RFC3339),
	}
	status = h.do(http.MethodPost, "/v1/admin/reconcile", userToken, window, nil, nil)
	require.Equal(t, http.StatusForbidden, status)

	var report struct {
		Rows int    `json:"rows"`
		Path string `json:"path"`
	}
	status = h.do(http.MethodPost, "/v1/admin/reconcile", adminToken, window, nil, &report)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 0, report.Rows)
	require.FileExists(t, report.Path)
}

func TestListBookingsPages(t *testing.T) {
	h := newHarness(t)
	renter, owner := h.newKey(), h.newKey()
	h.fund(renter.Address(), new(big.Int).Mul(oneEther, big.NewInt(3)))
	token := h.login(renter)
	for i := 0; i < 3; i++ {
		h.openBooking(token, owner.Address())
	}

	var page struct {
		Bookings []bookingResponse `json:"bookings"`
		Next     uint64            `json:"next"`
	}
	status := h.do(http.MethodGet, "/v1/bookings?limit=2", "", nil, nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page.Bookings, 2)
	require.Equal(t, uint64(3), page.Next)

	status = h.do(http.MethodGet, fmt.Sprintf("/v1/bookings?from=%d", page.Next), "", nil, nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page.Bookings, 1)
	require.Equal(t, uint64(3), page.Bookings[0].ID)

	status = h.do(http.MethodGet, "/healthz", "", nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestOpenZeroDurationBooking(t *testing.T) {
	h := newHarness(t)
	renter, owner := h.newKey(), h.newKey()
	h.fund(renter.Address(), oneEther)
	token := h.login(renter)

	var booking bookingResponse
	status := h.do(http.MethodPost, "/v1/bookings", token, map[string]interface{}{
		"owner":           owner.Address().Hex(),
		"durationSeconds": 0,
		"deposit":         oneEther.String(),
	}, nil, &booking)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, booking.StartTime, booking.EndTime)
	require.Equal(t, h.now, booking.EndTime)

	var errBody errorBody
	status = h.do(http.MethodPost, "/v1/bookings", token, map[string]interface{}{
		"owner":   owner.Address().Hex(),
		"deposit": oneEther.String(),
	}, nil, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_request", errBody.Code)
}

type countingSink uint64

func (c countingSink) Dropped() uint64 { return uint64(c) }

func TestHealthReportsEventSinks(t *testing.T) {
	hub := stream.NewHub(nil)
	_, _, cancel := hub.Subscribe("", 0)
	defer cancel()
	h := newHarnessWith(t, func(cfg *Config) {
		cfg.Hub = hub
		cfg.Sinks = map[string]DropCounter{"stream": hub, "kafka": countingSink(3)}
	})

	var health struct {
		Status            string            `json:"status"`
		StreamSubscribers int               `json:"streamSubscribers"`
		DroppedEvents     map[string]uint64 `json:"droppedEvents"`
	}
	status := h.do(http.MethodGet, "/healthz", "", nil, nil, &health)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 1, health.StreamSubscribers)
	require.Equal(t, map[string]uint64{"stream": 0, "kafka": 3}, health.DroppedEvents)
}

func TestReadLimitKeysSignedInCallers(t *testing.T) {
	h := newHarnessWith(t, func(cfg *Config) {
		cfg.RateLimiter = gwmw.NewRateLimiter(map[string]gwmw.RateLimit{
			"reads": {RatePerSecond: 0.001, Burst: 1},
		}, nil)
	})
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/managers", "", nil, nil, nil))
	require.Equal(t, http.StatusTooManyRequests, h.do(http.MethodGet, "/v1/managers", "", nil, nil, nil))

	token := h.login(h.newKey())
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/managers", token, nil, nil, nil))
	require.Equal(t, http.StatusTooManyRequests, h.do(http.MethodGet, "/v1/managers", token, nil, nil, nil))
}
