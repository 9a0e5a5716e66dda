// Package ledgerfeed publishes every recorded transaction to a Kafka topic so
// that downstream systems (statements, fraud checks) can follow the session
// ledger without polling it.
//
// Publishing never blocks a payment. Records are queued in a bounded buffer
// and written by a single goroutine; when the buffer is full or the broker's
// circuit breaker is open the record is dropped and logged.
package ledgerfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/voicepay/internal/bank"
	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/internal/resilience"
)

// Publish outcomes reported to metrics.
const (
	StatusPublished = "published"
	StatusFailed    = "failed"
	StatusDropped   = "dropped"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// Event is the JSON payload of one message. The message key is Owner.
type Event struct {
	Owner       string           `json:"owner"`
	Transaction bank.Transaction `json:"transaction"`
	PublishedAt time.Time        `json:"publishedAt"`
}

// Publisher receives recorded transactions. Publish has the shape of a
// bank.Observer and must not block.
type Publisher interface {
	Publish(owner string, tx bank.Transaction)
	Close() error
}

// Discard is the Publisher used when the feed is disabled.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(string, bank.Transaction) {}

// Close implements Publisher.
func (Discard) Close() error { return nil }

// Writer is the subset of *kafka.Writer the feed uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a Kafka feed.
type Config struct {
	Brokers []string
	Topic   string

	// QueueSize bounds the number of records waiting to be written.
	// Defaults to 256.
	QueueSize int

	// WriteTimeout bounds a single write. Defaults to 5s.
	WriteTimeout time.Duration
}

// Option configures a Feed.
type Option func(*Feed)

// WithWriter replaces the Kafka writer. Used by tests.
func WithWriter(w Writer) Option {
	return func(f *Feed) { f.writer = w }
}

// WithMetrics counts publish outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(f *Feed) { f.breaker = resilience.NewCircuitBreaker(cfg) }
}

// Feed publishes transactions to Kafka.
type Feed struct {
	writer       Writer
	breaker      *resilience.CircuitBreaker
	metrics      *observe.Metrics
	writeTimeout time.Duration
	now          func() time.Time

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ Publisher = (*Feed)(nil)

// New starts a Feed writing to cfg.Topic.
func New(cfg Config, opts ...Option) (*Feed, error) {
	if cfg.Topic == "" {
		return nil, errors.New("ledgerfeed: topic is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	f := &Feed{
		writeTimeout: cfg.WriteTimeout,
		now:          time.Now,
		queue:        make(chan Event, cfg.QueueSize),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	if f.writer == nil {
		if len(cfg.Brokers) == 0 {
			return nil, errors.New("ledgerfeed: at least one broker is required")
		}
		f.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	if f.breaker == nil {
		f.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "ledgerfeed"})
	}

	go f.run()
	return f, nil
}

// Publish queues tx for writing. A full queue or a closed feed drops it.
func (f *Feed) Publish(owner string, tx bank.Transaction) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- Event{Owner: owner, Transaction: tx}:
	default:
		slog.Warn("ledgerfeed: queue full, dropping record", "tx_id", tx.ID, "owner", owner)
		f.record(StatusDropped)
	}
}

// Close stops accepting records, writes what is queued and closes the writer.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	<-f.done
	return f.writer.Close()
}

func (f *Feed) run() {
	defer close(f.done)
	for ev := range f.queue {
		err := f.write(ev)
		switch {
		case err == nil:
			f.record(StatusPublished)
		case errors.Is(err, resilience.ErrCircuitOpen):
			slog.Warn("ledgerfeed: broker unavailable, dropping record", "tx_id", ev.Transaction.ID)
			f.record(StatusDropped)
		default:
			slog.Error("ledgerfeed: publish failed", "tx_id", ev.Transaction.ID, "err", err)
			f.record(StatusFailed)
		}
	}
}

func (f *Feed) write(ev Event) error {
	ev.PublishedAt = f.now().UTC()
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ledgerfeed: encode: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.Owner), Value: value}

	return f.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), f.writeTimeout)
		defer cancel()
		return f.writer.WriteMessages(ctx, msg)
	})
}

func (f *Feed) record(status string) {
	if f.metrics != nil {
		f.metrics.RecordLedgerPublish(context.Background(), status)
	}
}
