package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nuid"
)

type entry struct {
	msg            Message
	invisibleUntil time.Time
	attempts       int
	receipt        string
}

// Memory is an in-process queue.
type Memory struct {
	name       string
	visibility time.Duration

	// Now is the queue clock; tests replace it to expire visibility.
	Now func() time.Time

	mu      sync.Mutex
	entries []*entry
}

func NewMemory(cfg Config) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Memory{
		name:       cfg.Name,
		visibility: cfg.VisibilityTimeout,
		Now:        time.Now,
	}, nil
}

// NewMemoryRegistry builds one memory queue per config.
func NewMemoryRegistry(configs []Config) (*Registry, map[string]*Memory, error) {
	byName := make(map[string]*Memory, len(configs))
	queues := make([]Queue, 0, len(configs))
	for _, cfg := range configs {
		q, err := NewMemory(cfg)
		if err != nil {
			return nil, nil, err
		}
		byName[cfg.Name] = q
		queues = append(queues, q)
	}
	reg, err := NewRegistry(queues...)
	if err != nil {
		return nil, nil, err
	}
	return reg, byName, nil
}

func (q *Memory) Name() string                     { return q.name }
func (q *Memory) VisibilityTimeout() time.Duration { return q.visibility }

func (q *Memory) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = nuid.Next()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = q.Now().UTC()
	}
	msg.Body = append([]byte(nil), msg.Body...)

	q.mu.Lock()
	q.entries = append(q.entries, &entry{msg: msg})
	q.mu.Unlock()
	return nil
}

func (q *Memory) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	now := q.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Delivery
	for _, e := range q.entries {
		if len(out) == max {
			break
		}
		if now.Before(e.invisibleUntil) {
			continue
		}
		e.attempts++
		e.invisibleUntil = now.Add(q.visibility)
		e.receipt = nuid.Next()
		out = append(out, Delivery{
			Message: e.msg,
			Queue:   q.name,
			Attempt: e.attempts,
			Receipt: e.receipt,
		})
	}
	return out, nil
}

// Ack removes the message. It fails with ErrReceiptExpired when the delivery
// timed out and was handed out again, or was already acked.
func (q *Memory) Ack(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.msg.ID != d.ID {
			continue
		}
		if e.receipt != d.Receipt || !q.Now().Before(e.invisibleUntil) {
			break
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return nil
	}
	return fmt.Errorf("%w: %s/%s", ErrReceiptExpired, q.name, d.ID)
}

// Depth counts stored messages, visible or in flight.
func (q *Memory) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Peek returns copies of every stored message without changing visibility.
func (q *Memory) Peek() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.msg)
	}
	return out
}
