package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"rentalpay/core/events"
	"rentalpay/observability"
	"rentalpay/services/rental-gateway/models"
)

const (
	maxAttempts       = 5
	defaultRatePerMin = 60

	HeaderSignature = "X-Rental-Signature"
	HeaderDelivery  = "X-Rental-Delivery"
	HeaderEventType = "X-Rental-Event"
)

// Publisher adapts ledger events into queued webhook events.
type Publisher struct {
	queue    *Queue
	sequence atomic.Int64
	now      func() time.Time
}

func NewPublisher(queue *Queue) *Publisher {
	return &Publisher{queue: queue, now: time.Now}
}

// Emit implements events.Emitter.
func (p *Publisher) Emit(evt events.Event) {
	payload := events.ToPayload(evt)
	if payload == nil {
		return
	}
	attrs := make(map[string]string, len(payload.Attributes))
	for k, v := range payload.Attributes {
		attrs[k] = v
	}
	p.queue.Enqueue(Event{
		Sequence:   p.sequence.Add(1),
		Type:       payload.Type,
		BookingID:  attrs["bookingId"],
		Attributes: attrs,
		CreatedAt:  p.now().UTC(),
	})
}

// Worker delivers queued events to subscribers with HMAC-SHA256 signatures
// and exponential backoff.
type Worker struct {
	db      *gorm.DB
	queue   *Queue
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	nowFn   func() time.Time

	rateMu sync.Mutex
	rate   map[int64]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWorker(db *gorm.DB, queue *Queue, timeout time.Duration, logger *slog.Logger, metrics *observability.LedgerMetrics) *Worker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		db:      db,
		queue:   queue,
		client:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:  logger,
		metrics: metrics,
		nowFn:   time.Now,
		rate:    make(map[int64]rateWindow),
	}
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if w.metrics != nil {
			w.metrics.SetQueueDepth(w.queue.Len())
		}
		if task.Subscription == nil {
			w.expand(ctx, task)
		} else {
			w.deliver(ctx, task)
		}
		w.queue.Done(task)
	}
}

func (w *Worker) expand(ctx context.Context, task Task) {
	subs, err := models.WebhooksForEvent(ctx, w.db, task.Event.Type)
	if err != nil {
		w.logger.Warn("list webhook subscriptions", "eventType", task.Event.Type, "error", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		w.queue.enqueueTask(Task{Event: task.Event, Subscription: &sub})
	}
}

func (w *Worker) deliver(ctx context.Context, task Task) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.enqueueTask(task)
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"bookingId":  task.Event.BookingID,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, nil)
		return
	}
	deliveryID := uuid.New()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, nil)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(sub.Secret, payload))
	req.Header.Set(HeaderDelivery, deliveryID.String())
	req.Header.Set(HeaderEventType, task.Event.Type)

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.recordAttempt(ctx, task, "success", "", now, nil)
}

func (w *Worker) retryLater(ctx context.Context, task Task, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	if attemptNum >= maxAttempts {
		w.recordAttempt(ctx, task, "abandoned", errMsg, now, nil)
		return
	}
	next := now.Add(backoff(attemptNum))
	w.recordAttempt(ctx, task, "failed", errMsg, now, &next)
	task.Attempt++
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *Worker) recordAttempt(ctx context.Context, task Task, status, errMsg string, now time.Time, next *time.Time) {
	if w.metrics != nil {
		w.metrics.RecordWebhook(status)
	}
	attempt := models.WebhookAttempt{
		DeliveryID:     uuid.New(),
		SubscriptionID: task.Subscription.ID,
		EventSequence:  task.Event.Sequence,
		EventType:      task.Event.Type,
		Attempt:        task.Attempt + 1,
		Status:         status,
		Error:          truncate(errMsg, 512),
		NextAttempt:    next,
		CreatedAt:      now.UTC(),
	}
	if err := w.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		w.logger.Warn("record webhook attempt", "subscription", task.Subscription.ID, "error", err)
	}
}

func (w *Worker) allow(id int64, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = defaultRatePerMin
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *Worker) rateReset(id int64) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	w.rate[id] = state
	return state.windowStart.Add(time.Minute)
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(secret string, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n-3])
}
