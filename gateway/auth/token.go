package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"rentalpay/crypto"
)

// TokenConfig configures session token issuance.
type TokenConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	TTL       time.Duration
	ClockSkew time.Duration
}

// TokenIssuer signs and verifies HS256 session tokens whose subject is the
// caller's wallet address.
type TokenIssuer struct {
	cfg    TokenConfig
	secret []byte
	nowFn  func() time.Time
}

// NewTokenIssuer validates cfg and returns an issuer.
func NewTokenIssuer(cfg TokenConfig, nowFn func() time.Time) (*TokenIssuer, error) {
	secret := []byte(strings.TrimSpace(cfg.Secret))
	if len(secret) < 32 {
		return nil, errors.New("auth: token secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &TokenIssuer{cfg: cfg, secret: secret, nowFn: nowFn}, nil
}

// Issue mints a token for addr.
func (t *TokenIssuer) Issue(addr crypto.Address) (string, time.Time, error) {
	now := t.nowFn().UTC()
	expires := now.Add(t.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   addr.Hex(),
		Issuer:    t.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if t.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{t.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses token and returns the authenticated address.
func (t *TokenIssuer) Verify(token string) (crypto.Address, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(t.cfg.ClockSkew),
		jwt.WithTimeFunc(t.nowFn),
		jwt.WithExpirationRequired(),
	}
	if t.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.cfg.Issuer))
	}
	if t.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(t.cfg.Audience))
	}
	claims := new(jwt.RegisteredClaims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return crypto.Address{}, err
	}
	if !parsed.Valid {
		return crypto.Address{}, errors.New("auth: token invalid")
	}
	return crypto.ParseAddress(claims.Subject)
}
