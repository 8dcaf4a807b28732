package auth

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rentalpay/crypto"
)

const (
	defaultChallengeTTL      = 5 * time.Minute
	maxChallengeTTL          = 15 * time.Minute
	defaultChallengeCapacity = 4096
	maxChallengeCapacity     = 65536
)

var (
	ErrChallengeNotFound = errors.New("auth: challenge not found or already used")
	ErrChallengeExpired  = errors.New("auth: challenge expired")
	ErrSignerMismatch    = errors.New("auth: signature does not match challenge address")
)

// Challenge is a one-time sign-in message bound to a wallet address.
type Challenge struct {
	ID        string
	Address   crypto.Address
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Message is the exact text the wallet signs with personal_sign.
func (c Challenge) Message() string {
	return fmt.Sprintf("rentalpay sign-in\naddress: %s\nnonce: %s\nissued: %s\nexpires: %s",
		c.Address.Hex(), c.Nonce, c.IssuedAt.UTC().Format(time.RFC3339), c.ExpiresAt.UTC().Format(time.RFC3339))
}

// ChallengeStore keeps outstanding challenges. Consume must remove the
// challenge so each one can be redeemed at most once.
type ChallengeStore interface {
	Put(ctx context.Context, c Challenge) error
	Consume(ctx context.Context, id string) (Challenge, error)
}

// SignIn issues sign-in challenges and exchanges signed challenges for
// session tokens.
type SignIn struct {
	store  ChallengeStore
	tokens *TokenIssuer
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewSignIn wires a sign-in flow. A nil store falls back to an in-memory
// cache bounded by the default capacity.
func NewSignIn(store ChallengeStore, tokens *TokenIssuer, ttl time.Duration, nowFn func() time.Time) *SignIn {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	if ttl > maxChallengeTTL {
		ttl = maxChallengeTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if store == nil {
		store = NewMemoryChallengeStore(ttl, defaultChallengeCapacity, nowFn)
	}
	return &SignIn{store: store, tokens: tokens, ttl: ttl, nowFn: nowFn}
}

// NewChallenge issues a challenge for addr.
func (s *SignIn) NewChallenge(ctx context.Context, addr crypto.Address) (Challenge, error) {
	if addr.IsZero() {
		return Challenge{}, crypto.ErrInvalidAddress
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("auth: generate nonce: %w", err)
	}
	now := s.nowFn().UTC().Truncate(time.Second)
	c := Challenge{
		ID:        uuid.NewString(),
		Address:   addr,
		Nonce:     hex.EncodeToString(nonce),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, c); err != nil {
		return Challenge{}, err
	}
	return c, nil
}

// Redeem verifies signature over the challenge message and returns a session
// token whose subject is the signing address.
func (s *SignIn) Redeem(ctx context.Context, challengeID string, signature []byte) (string, time.Time, error) {
	c, err := s.store.Consume(ctx, strings.TrimSpace(challengeID))
	if err != nil {
		return "", time.Time{}, err
	}
	if !s.nowFn().Before(c.ExpiresAt) {
		return "", time.Time{}, ErrChallengeExpired
	}
	signer, err := crypto.RecoverSigner([]byte(c.Message()), signature)
	if err != nil {
		return "", time.Time{}, err
	}
	if signer != c.Address {
		return "", time.Time{}, ErrSignerMismatch
	}
	return s.tokens.Issue(signer)
}

// MemoryChallengeStore is a bounded in-memory ChallengeStore. The oldest
// challenges are evicted first once capacity is reached.
type MemoryChallengeStore struct {
	ttl      time.Duration
	capacity int
	nowFn    func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

// NewMemoryChallengeStore builds a cache holding at most capacity challenges.
func NewMemoryChallengeStore(ttl time.Duration, capacity int, nowFn func() time.Time) *MemoryChallengeStore {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	if capacity <= 0 {
		capacity = defaultChallengeCapacity
	}
	if capacity > maxChallengeCapacity {
		capacity = maxChallengeCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryChallengeStore{
		ttl:      ttl,
		capacity: capacity,
		nowFn:    nowFn,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (m *MemoryChallengeStore) Put(_ context.Context, c Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(m.nowFn())
	if elem, exists := m.entries[c.ID]; exists {
		elem.Value = c
		m.order.MoveToBack(elem)
		return nil
	}
	for m.order.Len() >= m.capacity {
		m.evictFront()
	}
	m.entries[c.ID] = m.order.PushBack(c)
	return nil
}

func (m *MemoryChallengeStore) Consume(_ context.Context, id string) (Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(m.nowFn())
	elem, ok := m.entries[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	m.order.Remove(elem)
	delete(m.entries, id)
	return elem.Value.(Challenge), nil
}

// Len reports the number of outstanding challenges.
func (m *MemoryChallengeStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *MemoryChallengeStore) evictExpired(now time.Time) {
	for {
		front := m.order.Front()
		if front == nil {
			return
		}
		c := front.Value.(Challenge)
		if now.Before(c.ExpiresAt) {
			return
		}
		m.order.Remove(front)
		delete(m.entries, c.ID)
	}
}

func (m *MemoryChallengeStore) evictFront() {
	front := m.order.Front()
	if front == nil {
		return
	}
	c := front.Value.(Challenge)
	m.order.Remove(front)
	delete(m.entries, c.ID)
}
