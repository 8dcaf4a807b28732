package auth

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	challengeKeyPrefix = "challenge:"
	expiryKeyPrefix    = "expiry:"
)

type storedChallenge struct {
	Address   [20]byte
	Nonce     string
	IssuedAt  uint64
	ExpiresAt uint64
}

// LevelDBChallengeStore persists outstanding challenges so sign-ins survive a
// gateway restart.
type LevelDBChallengeStore struct {
	db *leveldb.DB
}

// NewLevelDBChallengeStore opens (or creates) a LevelDB database at path.
func NewLevelDBChallengeStore(path string) (*LevelDBChallengeStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb challenge store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb challenge path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb challenge store: %w", err)
	}
	return &LevelDBChallengeStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBChallengeStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *LevelDBChallengeStore) Put(_ context.Context, c Challenge) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb challenge store not configured")
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("challenge id required")
	}
	encoded, err := rlp.EncodeToBytes(storedChallenge{
		Address:   c.Address,
		Nonce:     c.Nonce,
		IssuedAt:  uint64(c.IssuedAt.Unix()),
		ExpiresAt: uint64(c.ExpiresAt.Unix()),
	})
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(challengeKeyPrefix+c.ID), encoded)
	batch.Put([]byte(expiryKey(c.ExpiresAt.Unix(), c.ID)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record challenge: %w", err)
	}
	return nil
}

func (p *LevelDBChallengeStore) Consume(_ context.Context, id string) (Challenge, error) {
	if p == nil || p.db == nil {
		return Challenge{}, fmt.Errorf("leveldb challenge store not configured")
	}
	key := []byte(challengeKeyPrefix + id)
	raw, err := p.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Challenge{}, ErrChallengeNotFound
	}
	if err != nil {
		return Challenge{}, fmt.Errorf("load challenge: %w", err)
	}
	var stored storedChallenge
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return Challenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Delete([]byte(expiryKey(int64(stored.ExpiresAt), id)))
	if err := p.db.Write(batch, nil); err != nil {
		return Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	return Challenge{
		ID:        id,
		Address:   stored.Address,
		Nonce:     stored.Nonce,
		IssuedAt:  time.Unix(int64(stored.IssuedAt), 0).UTC(),
		ExpiresAt: time.Unix(int64(stored.ExpiresAt), 0).UTC(),
	}, nil
}

// Prune deletes challenges that expired before cutoff and returns how many
// were removed.
func (p *LevelDBChallengeStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if p == nil || p.db == nil {
		return 0, fmt.Errorf("leveldb challenge store not configured")
	}
	cutoffKey := []byte(expiryKey(cutoff.Unix(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(expiryKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		if string(iter.Key()) >= string(cutoffKey) {
			break
		}
		id, ok := parseExpiryKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(challengeKeyPrefix + id))
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate challenges: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("prune challenges: %w", err)
		}
	}
	return removed, nil
}

func expiryKey(unix int64, id string) string {
	return fmt.Sprintf("%s%020d:%s", expiryKeyPrefix, unix, id)
}

func parseExpiryKey(key []byte) (string, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", false
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return "", false
	}
	return parts[2], true
}
