package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"rentalpay/core/events"
	"rentalpay/core/types"
)

const (
	wsWriteTimeout     = 10 * time.Second
	subscriberBacklog  = 64
	defaultBacklogSize = 128
)

// Message is the JSON frame pushed to websocket subscribers.
type Message struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  time.Time         `json:"timestamp"`
}

type subscriber struct {
	ch     chan Message
	prefix string
}

// Hub fans committed ledger events out to websocket subscribers. Slow
// subscribers lose messages instead of blocking the ledger.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	seq     uint64
	subs    map[*subscriber]struct{}
	backlog []Message
	limit   int
	dropped uint64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		now:    time.Now,
		subs:   make(map[*subscriber]struct{}),
		limit:  defaultBacklogSize,
	}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	payload := events.ToPayload(evt)
	if payload == nil {
		return
	}
	h.publish(payload)
}

func (h *Hub) publish(payload *types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	msg := Message{
		Sequence:   h.seq,
		Type:       payload.Type,
		Attributes: payload.Clone().Attributes,
		Timestamp:  h.now().UTC(),
	}
	h.backlog = append(h.backlog, msg)
	if len(h.backlog) > h.limit {
		h.backlog = h.backlog[len(h.backlog)-h.limit:]
	}
	for sub := range h.subs {
		if !strings.HasPrefix(msg.Type, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.dropped++
		}
	}
}

// Subscribe registers a listener for events whose type starts with prefix and
// returns the retained messages after cursor.
func (h *Hub) Subscribe(prefix string, cursor uint64) (<-chan Message, []Message, func()) {
	sub := &subscriber{ch: make(chan Message, subscriberBacklog), prefix: prefix}
	h.mu.Lock()
	var replay []Message
	for _, msg := range h.backlog {
		if msg.Sequence > cursor && strings.HasPrefix(msg.Type, prefix) {
			replay = append(replay, msg)
		}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, replay, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

// Dropped reports how many messages were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a websocket and streams events. The
// optional "type" query narrows the stream by prefix and "cursor" replays
// retained messages with a higher sequence.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, prefix, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			h.logger.Debug("event stream ended", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, prefix string, cursor uint64) error {
	updates, backlog, cancel := h.Subscribe(prefix, cursor)
	defer cancel()
	for _, msg := range backlog {
		if err := writeMessage(ctx, conn, msg); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-updates:
			if err := writeMessage(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
