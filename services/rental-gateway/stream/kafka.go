package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"rentalpay/core/events"
)

var ErrSinkClosed = errors.New("stream: kafka sink closed")

// MessageWriter is the subset of *kafka.Writer used by the sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Buffer       int
	WriteTimeout time.Duration
}

// KafkaSink publishes ledger events to a Kafka topic keyed by booking id so
// every booking's events stay ordered within a partition. Publishing happens
// on a background goroutine; a full buffer drops events.
type KafkaSink struct {
	writer  MessageWriter
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan kafka.Message
	done    chan struct{}
	dropped atomic.Uint64
}

// NewKafkaWriter builds the kafka-go writer for cfg.
func NewKafkaWriter(cfg KafkaConfig, logger *slog.Logger) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("stream: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("stream: topic cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  compress.Snappy,
		MaxAttempts:  5,
		BatchTimeout: 50 * time.Millisecond,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error("kafka writer", "detail", fmt.Sprintf(msg, args...))
		}),
	}, nil
}

func NewKafkaSink(writer MessageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &KafkaSink{
		writer:  writer,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		queue:   make(chan kafka.Message, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit implements events.Emitter.
func (s *KafkaSink) Emit(evt events.Event) {
	payload := events.ToPayload(evt)
	if payload == nil {
		return
	}
	value, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encode kafka event", "type", payload.Type, "error", err)
		return
	}
	key := payload.Attributes["bookingId"]
	if key == "" {
		key = payload.Type
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  s.now().UTC(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(payload.Type)},
		},
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
		s.logger.Warn("kafka sink buffer full, dropping event", "type", payload.Type)
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			s.logger.Error("publish event to kafka", "key", string(msg.Key), "error", err)
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *KafkaSink) Dropped() uint64 { return s.dropped.Load() }

// Close flushes buffered events and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return s.writer.Close()
}
