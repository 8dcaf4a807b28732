package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"rentalpay/crypto"
)

// TokenVerifier resolves a bearer token to the wallet address it was issued to.
type TokenVerifier interface {
	Verify(token string) (crypto.Address, error)
}

type contextKey string

const contextKeyIdentity contextKey = "gateway.identity"

// WithIdentity returns a copy of ctx carrying addr as the acting identity.
func WithIdentity(ctx context.Context, addr crypto.Address) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, addr)
}

// IdentityFromContext returns the authenticated caller, if any.
func IdentityFromContext(ctx context.Context) (crypto.Address, bool) {
	addr, ok := ctx.Value(contextKeyIdentity).(crypto.Address)
	return addr, ok && !addr.IsZero()
}

// Authenticator validates bearer session tokens and binds the token subject
// to the request context.
type Authenticator struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

func NewAuthenticator(verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, logger: logger}
}

// Require rejects requests without a valid bearer token.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		addr, err := a.verifier.Verify(token)
		if err != nil {
			a.logger.Debug("token validation failed", "path", r.URL.Path, "error", err)
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), addr)))
	})
}

// Optional attaches the identity when a valid token is supplied and otherwise
// lets the request through anonymously.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token != "" {
			if addr, err := a.verifier.Verify(token); err == nil {
				r = r.WithContext(WithIdentity(r.Context(), addr))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": "unauthenticated"})
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
