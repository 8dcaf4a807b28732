package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrIdempotencyMismatch is returned when a key is reused for a different
// request body.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")

// IdempotencyKey caches the response of a mutating request per caller.
type IdempotencyKey struct {
	Caller      string `gorm:"primaryKey;size:42"`
	Key         string `gorm:"primaryKey;size:128"`
	RequestHash string `gorm:"size:64;not null"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    []byte
	CreatedAt   time.Time
}

// AuditEntry is the gateway audit trail of mutating requests.
type AuditEntry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID  string    `gorm:"size:64;index"`
	Caller     string    `gorm:"size:42;index"`
	Method     string    `gorm:"size:8"`
	Path       string    `gorm:"size:255"`
	Status     int       `gorm:"index"`
	BookingID  uint64    `gorm:"index"`
	ErrorCode  string    `gorm:"size:64"`
	OccurredAt time.Time `gorm:"index"`
}

// WebhookSubscription registers a URL for one event type, or all of them
// when EventType is "*".
type WebhookSubscription struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	EventType string `gorm:"size:64;index"`
	URL       string `gorm:"size:512;not null"`
	Secret    string `gorm:"size:128;not null"`
	RateLimit int
	Active    bool   `gorm:"index"`
	CreatedBy string `gorm:"size:42"`
	CreatedAt time.Time
}

// WebhookAttempt records one delivery attempt.
type WebhookAttempt struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	DeliveryID     uuid.UUID `gorm:"type:uuid;index"`
	SubscriptionID int64     `gorm:"index"`
	EventSequence  int64     `gorm:"index"`
	EventType      string    `gorm:"size:64"`
	Attempt        int
	Status         string `gorm:"size:16"`
	Error          string `gorm:"size:512"`
	NextAttempt    *time.Time
	CreatedAt      time.Time
}

// ReconRun records a reconciliation export.
type ReconRun struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WindowStart time.Time `gorm:"index"`
	WindowEnd   time.Time
	Rows        int
	Path        string `gorm:"size:512"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&IdempotencyKey{},
		&AuditEntry{},
		&WebhookSubscription{},
		&WebhookAttempt{},
		&ReconRun{},
	)
}

// Open connects to the gateway database using driver "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// LookupIdempotency returns the cached response for (caller, key). A nil
// record means the key is unused.
func LookupIdempotency(ctx context.Context, db *gorm.DB, caller, key, requestHash string) (*IdempotencyKey, error) {
	var record IdempotencyKey
	err := db.WithContext(ctx).Where("caller = ? AND key = ?", caller, key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &record, nil
}

// SaveIdempotency stores the response for (caller, key).
func SaveIdempotency(ctx context.Context, db *gorm.DB, record IdempotencyKey) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(&record).Error
}

// InsertAudit appends an audit record.
func InsertAudit(ctx context.Context, db *gorm.DB, entry AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(&entry).Error
}

// WebhooksForEvent lists active subscriptions matching eventType.
func WebhooksForEvent(ctx context.Context, db *gorm.DB, eventType string) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	err := db.WithContext(ctx).
		Where("active = ? AND (event_type = ? OR event_type = ?)", true, eventType, "*").
		Order("id").
		Find(&subs).Error
	return subs, err
}
