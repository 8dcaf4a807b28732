package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rentalpay/core/state"
	"rentalpay/crypto"
	"rentalpay/gateway/auth"
	gwmw "rentalpay/gateway/middleware"
	"rentalpay/native/rental"
	"rentalpay/services/rental-gateway/server"
	"rentalpay/storage"
)

type staticPass string

func (s staticPass) Get() (string, error) { return string(s), nil }

func newGateway(t *testing.T) (*httptest.Server, *rental.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := rental.NewEngine(state.NewManager(storage.NewMemDB()), rental.DefaultParams())
	require.NoError(t, err)
	engine.SetLogger(logger)

	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret:   "0123456789abcdef0123456789abcdef",
		Issuer:   "rental-gateway",
		Audience: "rentalpay",
		TTL:      time.Hour,
	}, nil)
	require.NoError(t, err)
	srv, err := server.New(server.Config{
		Ledger:        engine,
		SignIn:        auth.NewSignIn(nil, tokens, time.Minute, nil),
		Authenticator: gwmw.NewAuthenticator(tokens, logger),
		Logger:        logger,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, engine
}

func runCLI(t *testing.T, profilePath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := &app{
		stdout:  &out,
		pass:    staticPass("correct horse battery"),
		now:     time.Now,
		keyCost: crypto.LightKeystore,
	}
	err := a.run(context.Background(), append([]string{"--profile", profilePath}, args...))
	return out.String(), err
}

func TestRentalctlBookingLifecycle(t *testing.T) {
	ts, engine := newGateway(t)
	profilePath := filepath.Join(t.TempDir(), "profile.toml")

	_, err := runCLI(t, profilePath, "--endpoint", ts.URL, "keygen")
	require.NoError(t, err)
	p, err := loadProfile(profilePath)
	require.NoError(t, err)
	self, err := crypto.ParseAddress(p.Address)
	require.NoError(t, err)
	require.NoError(t, engine.Init(self))
	require.Equal(t, ts.URL, p.Endpoint)

	out, err := runCLI(t, profilePath, "login")
	require.NoError(t, err)
	require.Contains(t, out, "Signed in as "+self.Hex())

	out, err = runCLI(t, profilePath, "credit", self.Hex(), "2000000000000000000")
	require.NoError(t, err)
	require.Contains(t, out, `"balance": "2000000000000000000"`)

	ownerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	out, err = runCLI(t, profilePath, "open", "--owner", ownerKey.Address().String(), "--duration", "1h", "--deposit", "1000000000000000000")
	require.NoError(t, err)
	var opened struct {
		ID         uint64 `json:"id"`
		Amount     string `json:"amount"`
		Commission string `json:"commission"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &opened))
	require.Equal(t, uint64(1), opened.ID)
	require.Equal(t, "950000000000000000", opened.Amount)
	require.Equal(t, "50000000000000000", opened.Commission)

	_, err = runCLI(t, profilePath, "dispute", "1")
	require.NoError(t, err)
	_, err = runCLI(t, profilePath, "release", "1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "dispute_raised")

	out, err = runCLI(t, profilePath, "resolve", "--favor", "owner", "1")
	require.NoError(t, err)
	require.Contains(t, out, `"status": "resolved"`)

	bal, err := engine.Balance(ownerKey.Address())
	require.NoError(t, err)
	require.Equal(t, 0, bal.Cmp(big.NewInt(950000000000000000)))

	out, err = runCLI(t, profilePath, "booking", "1")
	require.NoError(t, err)
	require.Contains(t, out, ownerKey.Address().Hex())

	managerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	out, err = runCLI(t, profilePath, "managers", "add", managerKey.Address().Hex())
	require.NoError(t, err)
	require.Contains(t, out, managerKey.Address().Hex())
	out, err = runCLI(t, profilePath, "managers", "remove", managerKey.Address().Hex())
	require.NoError(t, err)
	require.NotContains(t, out, managerKey.Address().Hex())

	out, err = runCLI(t, profilePath, "open", "--owner", ownerKey.Address().Hex(), "--duration", "0", "--deposit", "1000000000000000000")
	require.NoError(t, err)
	var instant struct {
		ID        uint64 `json:"id"`
		StartTime int64  `json:"startTime"`
		EndTime   int64  `json:"endTime"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &instant))
	require.Equal(t, uint64(2), instant.ID)
	require.Equal(t, instant.StartTime, instant.EndTime)
}

func TestRentalctlRequiresSession(t *testing.T) {
	profilePath := filepath.Join(t.TempDir(), "profile.toml")
	_, err := runCLI(t, profilePath, "release", "1")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "rentalctl login"))

	_, err = runCLI(t, profilePath, "resolve", "--favor", "nobody", "1")
	require.Error(t, err)
}

func TestProfileSessionExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := &profile{Token: "tok", TokenExpires: now.Add(time.Minute)}
	token, ok := p.session(now)
	require.True(t, ok)
	require.Equal(t, "tok", token)
	_, ok = p.session(now.Add(time.Minute))
	require.False(t, ok)
}
