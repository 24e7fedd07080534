// Package queue holds the downstream work queues fed by the event bus and by
// direct enqueues. Delivery is at-least-once: a received message stays hidden
// for the queue's visibility timeout and is redelivered unless acked.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/marketplace-api/project/internal/platform/metrics"
)

// DefaultVisibilityTimeout applies to every queue of the marketplace.
const DefaultVisibilityTimeout = 30 * time.Second

const (
	Category       = "CategoryQueue"
	DeleteCategory = "DeleteCategoryQueue"
	Assign         = "AssignQueue"
	SchemaImport   = "SchemaImportQueue"
	Verify         = "VerifyQueue"
	Review         = "ReviewQueue"
	Reply          = "ReplyQueue"
	Filter         = "FilterQueue"
	Bid            = "BidQueue"
	Membership     = "MembershipQueue"
	Auth           = "AuthQueue"
	User           = "UserQueue"
)

// Names lists every queue in provisioning order.
func Names() []string {
	return []string{
		Category, DeleteCategory, Assign, SchemaImport, Verify, Review,
		Reply, Filter, Bid, Membership, Auth, User,
	}
}

var (
	ErrUnknownQueue    = errors.New("unknown queue")
	ErrReceiptExpired  = errors.New("receipt expired")
	ErrDuplicateQueue  = errors.New("duplicate queue")
	ErrInvalidMessage  = errors.New("invalid queue message")
	ErrInvalidQueueCfg = errors.New("invalid queue config")
)

// Attribute keys set on messages.
const (
	AttrSource     = "source"
	AttrDetailType = "detail-type"
	AttrHandler    = "handler"
)

// Message is one unit of work. Body is either a serialized event envelope or
// a raw payload from a direct enqueue.
type Message struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SentAt     time.Time         `json:"sentAt"`
}

// Delivery is a received message. Receipt identifies this particular
// delivery; acking with a stale receipt fails.
type Delivery struct {
	Message
	Queue   string
	Attempt int
	Receipt string

	ack func(context.Context) error
}

// Config describes one queue.
type Config struct {
	Name              string        `yaml:"name" json:"name"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout" json:"visibilityTimeout"`
}

func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidQueueCfg)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("%w: %s: visibility timeout must be positive", ErrInvalidQueueCfg, c.Name)
	}
	return nil
}

// DefaultConfigs returns every queue with the default visibility timeout.
func DefaultConfigs() []Config {
	names := Names()
	out := make([]Config, 0, len(names))
	for _, n := range names {
		out = append(out, Config{Name: n, VisibilityTimeout: DefaultVisibilityTimeout})
	}
	return out
}

type Queue interface {
	Name() string
	VisibilityTimeout() time.Duration
	Send(ctx context.Context, msg Message) error
	// Receive returns up to max currently visible messages and hides them
	// for the visibility timeout. It does not block when none are visible.
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
}

// Sender delivers a message to a named queue.
type Sender interface {
	Send(ctx context.Context, queue string, msg Message) error
}

// Registry resolves queue names.
type Registry struct {
	queues  map[string]Queue
	Metrics *metrics.Metrics
}

func NewRegistry(queues ...Queue) (*Registry, error) {
	r := &Registry{queues: make(map[string]Queue, len(queues))}
	for _, q := range queues {
		if _, exists := r.queues[q.Name()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateQueue, q.Name())
		}
		r.queues[q.Name()] = q
	}
	return r, nil
}

func (r *Registry) Send(ctx context.Context, name string, msg Message) error {
	q, ok := r.queues[name]
	if !ok {
		r.Metrics.IncQueueSend(name, metrics.OutcomeDeliveryFailed)
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	if err := q.Send(ctx, msg); err != nil {
		r.Metrics.IncQueueSend(name, metrics.OutcomeDeliveryFailed)
		return fmt.Errorf("send to %s: %w", name, err)
	}
	r.Metrics.IncQueueSend(name, metrics.OutcomeDelivered)
	return nil
}

func (r *Registry) Queue(name string) (Queue, bool) {
	q, ok := r.queues[name]
	return q, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.queues))
	for n := range r.queues {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
