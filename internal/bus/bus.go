// Package bus publishes domain events. Routing is decided when an event is
// published; delivery to the target queue happens afterwards, so Publish
// never waits on a queue.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/platform/metrics"
	"github.com/marketplace-api/project/internal/queue"
)

const (
	defaultBuffer          = 256
	defaultDeliveryTimeout = 5 * time.Second
)

var (
	ErrClosed       = errors.New("event bus closed")
	ErrInvalidEvent = errors.New("invalid event")
	ErrBufferFull   = errors.New("delivery buffer full")
)

// Router resolves an event key to a queue name.
type Router interface {
	Route(key contracts.Key) (string, bool)
}

type delivery struct {
	ctx   context.Context
	queue string
	msg   queue.Message
	key   contracts.Key
}

type Bus struct {
	router Router
	sender queue.Sender

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
	timeout time.Duration
	buffer  int
	sync    bool

	mu      sync.RWMutex
	closed  bool
	pending chan delivery
	done    chan struct{}
}

type Option func(*Bus)

func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Bus) { b.metrics = m } }

func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

func WithIDs(newID func() string) Option { return func(b *Bus) { b.newID = newID } }

// WithBuffer sets how many routed events may wait for delivery.
func WithBuffer(n int) Option { return func(b *Bus) { b.buffer = n } }

// WithDeliveryTimeout bounds each queue send. Non-positive values keep the
// default.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithSyncDelivery delivers inside Publish. Delivery errors are still only
// logged and counted.
func WithSyncDelivery() Option { return func(b *Bus) { b.sync = true } }

func New(router Router, sender queue.Sender, opts ...Option) *Bus {
	b := &Bus{
		router:  router,
		sender:  sender,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   nuid.Next,
		timeout: defaultDeliveryTimeout,
		buffer:  defaultBuffer,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sync {
		close(b.done)
		return b
	}
	if b.buffer <= 0 {
		b.buffer = 1
	}
	b.pending = make(chan delivery, b.buffer)
	go b.run()
	return b
}

// Publish routes e and hands it off for delivery. An event with no matching
// rule is dropped: that is logged and counted, and not an error. When the
// delivery buffer is full the event is counted as delivery_failed and
// dropped instead of making the caller wait.
func (b *Bus) Publish(ctx context.Context, e contracts.Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	key := e.Key()
	env, err := contracts.NewEnvelope(b.newID(), b.now(), e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	target, ok := b.router.Route(key)
	if !ok {
		b.metrics.IncEvent(key.Source, key.Type, metrics.OutcomeUnrouted)
		b.logger.DebugContext(ctx, "event dropped",
			"source", key.Source, "type", key.Type, "event_id", env.ID, "outcome", metrics.OutcomeUnrouted)
		return nil
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	d := delivery{
		ctx:   context.WithoutCancel(ctx),
		queue: target,
		key:   key,
		msg: queue.Message{
			ID:   env.ID,
			Body: body,
			Attributes: map[string]string{
				queue.AttrSource:     key.Source,
				queue.AttrDetailType: key.Type,
			},
			SentAt: env.Time,
		},
	}
	if b.sync {
		if b.isClosed() {
			return ErrClosed
		}
		b.metrics.IncEvent(key.Source, key.Type, metrics.OutcomeRouted)
		b.deliver(d)
		return nil
	}

	// Non-blocking send: Close must always be able to take the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.metrics.IncEvent(key.Source, key.Type, metrics.OutcomeRouted)
	select {
	case b.pending <- d:
	default:
		b.metrics.IncEvent(key.Source, key.Type, metrics.OutcomeDeliveryFailed)
		b.logger.ErrorContext(ctx, "event delivery failed",
			"source", key.Source, "type", key.Type, "queue", target,
			"event_id", env.ID, "outcome", metrics.OutcomeDeliveryFailed, "error", ErrBufferFull)
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bus) run() {
	defer close(b.done)
	for d := range b.pending {
		b.deliver(d)
	}
}

func (b *Bus) deliver(d delivery) {
	ctx, cancel := context.WithTimeout(d.ctx, b.timeout)
	defer cancel()

	if err := b.sender.Send(ctx, d.queue, d.msg); err != nil {
		b.metrics.IncEvent(d.key.Source, d.key.Type, metrics.OutcomeDeliveryFailed)
		b.logger.ErrorContext(ctx, "event delivery failed",
			"source", d.key.Source, "type", d.key.Type, "queue", d.queue,
			"event_id", d.msg.ID, "outcome", metrics.OutcomeDeliveryFailed, "error", err)
		return
	}
	b.metrics.IncEvent(d.key.Source, d.key.Type, metrics.OutcomeDelivered)
	b.logger.DebugContext(ctx, "event delivered",
		"source", d.key.Source, "type", d.key.Type, "queue", d.queue,
		"event_id", d.msg.ID, "outcome", metrics.OutcomeDelivered)
}

// Close stops accepting events and waits until queued ones are delivered or
// ctx expires, whichever comes first.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		if b.pending != nil {
			close(b.pending)
		}
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
