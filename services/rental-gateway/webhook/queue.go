package webhook

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"rentalpay/services/rental-gateway/models"
)

// Event is a committed ledger event awaiting fan-out to subscribers.
type Event struct {
	Sequence   int64
	Type       string
	BookingID  string
	Attributes map[string]string
	CreatedAt  time.Time
}

// Task is either an event to expand into deliveries (Subscription nil) or a
// single delivery to one subscriber.
type Task struct {
	Event        Event
	Subscription *models.WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

type historyEntry struct {
	event      Event
	enqueuedAt time.Time
}

type Option func(*queueConfig)

type queueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
)

// WithTaskCapacity sets the maximum number of pending tasks.
func WithTaskCapacity(capacity int) Option {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithHistoryCapacity sets the number of events retained for inspection.
func WithHistoryCapacity(capacity int) Option {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithTTL configures how long queued items remain eligible for delivery.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithClock overrides the clock used for TTL evaluation.
func WithClock(now func() time.Time) Option {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded, TTL-evicting task queue. On overflow the oldest task is
// dropped and counted.
//
// Tasks for the same booking and subscriber form a lane. A lane hands out one
// task at a time in event sequence order, so a subscriber never sees a
// booking's release before its opening. Tasks whose NotBefore is in the future
// are skipped rather than waited on.
type Queue struct {
	mu       sync.Mutex
	pending  []queuedTask
	capacity int
	inflight map[string]int
	history  ring[historyEntry]
	ttl      time.Duration
	now      func() time.Time
	metrics  *queueMetrics
	notify   chan struct{}
}

const idlePoll = 250 * time.Millisecond

func NewQueue(opts ...Option) *Queue {
	cfg := queueConfig{
		taskCapacity:    defaultTaskCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		capacity: cfg.taskCapacity,
		inflight: make(map[string]int),
		history:  newRing[historyEntry](cfg.historyCapacity),
		ttl:      cfg.ttl,
		now:      cfg.now,
		metrics:  sharedMetrics(),
		notify:   make(chan struct{}, 1),
	}
}

// lane returns the ordering key of task. Events without a booking are
// unordered.
func lane(task Task) string {
	if task.Event.BookingID == "" {
		return ""
	}
	if task.Subscription == nil {
		return "expand|" + task.Event.BookingID
	}
	return strconv.FormatInt(task.Subscription.ID, 10) + "|" + task.Event.BookingID
}

// Enqueue schedules evt for fan-out.
func (q *Queue) Enqueue(evt Event) {
	q.enqueueTask(Task{Event: evt})
}

func (q *Queue) enqueueTask(task Task) {
	now := q.now()
	q.mu.Lock()
	q.evictExpiredLocked(now)
	if task.Subscription == nil {
		q.recordHistoryLocked(historyEntry{event: task.Event, enqueuedAt: now})
	}
	q.recordTaskLocked(queuedTask{task: task, enqueuedAt: now})
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Events returns a snapshot of recently enqueued events.
func (q *Queue) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]Event, 0, q.history.len())
	q.history.forEach(func(entry historyEntry) {
		snapshot = append(snapshot, entry.event)
	})
	return snapshot
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dequeue waits for the next ready task. It returns false once ctx is
// cancelled. Callers must pass every dequeued task to Done.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		now := q.now()
		q.evictExpiredLocked(now)
		task, wait, ok := q.nextReadyLocked(now)
		q.mu.Unlock()
		if ok {
			return task, true
		}
		if wait <= 0 || wait > idlePoll {
			wait = idlePoll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Task{}, false
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Done releases the lane held by a dequeued task. Retries must be enqueued
// before Done so later events of the lane stay behind them.
func (q *Queue) Done(task Task) {
	key := lane(task)
	if key == "" {
		return
	}
	q.mu.Lock()
	if q.inflight[key] <= 1 {
		delete(q.inflight, key)
	} else {
		q.inflight[key]--
	}
	q.mu.Unlock()
	q.wake()
}

// nextReadyLocked removes and returns the first task that is due and heads
// its lane. Otherwise it reports how long until the earliest delayed task.
func (q *Queue) nextReadyLocked(now time.Time) (Task, time.Duration, bool) {
	heads := make(map[string]int64)
	for _, queued := range q.pending {
		key := lane(queued.task)
		if key == "" {
			continue
		}
		if seq, ok := heads[key]; !ok || queued.task.Event.Sequence < seq {
			heads[key] = queued.task.Event.Sequence
		}
	}
	var wait time.Duration
	for i, queued := range q.pending {
		key := lane(queued.task)
		if key != "" && (q.inflight[key] > 0 || queued.task.Event.Sequence != heads[key]) {
			continue
		}
		if delay := queued.task.NotBefore.Sub(now); delay > 0 {
			if wait == 0 || delay < wait {
				wait = delay
			}
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		if key != "" {
			q.inflight[key]++
		}
		return queued.task, 0, true
	}
	return Task{}, wait, false
}

func (q *Queue) recordTaskLocked(task queuedTask) {
	if q.capacity <= 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if len(q.pending) >= q.capacity {
		q.pending = q.pending[1:]
		q.metrics.recordDropped("overflow", 1)
	}
	q.pending = append(q.pending, task)
}

func (q *Queue) recordHistoryLocked(entry historyEntry) {
	if q.history.capacity() == 0 {
		return
	}
	q.history.push(entry)
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	kept := q.pending[:0]
	for _, queued := range q.pending {
		if now.Sub(queued.enqueuedAt) <= q.ttl {
			kept = append(kept, queued)
		}
	}
	if expired := len(q.pending) - len(kept); expired > 0 {
		for i := len(kept); i < len(q.pending); i++ {
			q.pending[i] = queuedTask{}
		}
		q.metrics.recordDropped("ttl", expired)
	}
	q.pending = kept
	for {
		entry, ok := q.history.peek()
		if !ok || now.Sub(entry.enqueuedAt) <= q.ttl {
			break
		}
		q.history.pop()
	}
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	var zero T
	if len(r.buf) == 0 {
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) capacity() int { return len(r.buf) }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

var (
	metricsOnce sync.Once
	metricsInst *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("rentalpay/rental-gateway")
		counter, err := meter.Int64Counter("rental.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("rentalpay/rental-gateway")
			counter, _ = fallback.Int64Counter("rental.webhooks.dropped")
		}
		metricsInst = &queueMetrics{dropped: counter}
	})
	return metricsInst
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
