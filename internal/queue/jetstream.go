package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
)

const (
	StreamName    = "QUEUES"
	subjectPrefix = "queue."

	defaultFetchWait = 2 * time.Second
)

// Subject is the JetStream subject carrying a queue's messages.
func Subject(queue string) string { return subjectPrefix + queue }

// EnsureJetStream creates (or validates) the work-queue stream and one
// durable consumer per queue. AckWait is the queue's visibility timeout.
func EnsureJetStream(js nats.JetStreamContext, configs []Config) error {
	if _, err := js.StreamInfo(StreamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:      StreamName,
			Subjects:  []string{subjectPrefix + ">"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		}); addErr != nil {
			return addErr
		}
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		consumer := &nats.ConsumerConfig{
			Durable:       cfg.Name,
			FilterSubject: Subject(cfg.Name),
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       cfg.VisibilityTimeout,
			DeliverPolicy: nats.DeliverAllPolicy,
		}
		info, err := js.ConsumerInfo(StreamName, cfg.Name)
		switch {
		case errors.Is(err, nats.ErrConsumerNotFound):
			if _, addErr := js.AddConsumer(StreamName, consumer); addErr != nil {
				return fmt.Errorf("add consumer %s: %w", cfg.Name, addErr)
			}
		case err != nil:
			return err
		case info.Config.AckWait != cfg.VisibilityTimeout:
			if _, updErr := js.UpdateConsumer(StreamName, consumer); updErr != nil {
				return fmt.Errorf("update consumer %s: %w", cfg.Name, updErr)
			}
		}
	}
	return nil
}

// JetStream is a queue backed by a durable pull consumer.
type JetStream struct {
	js         nats.JetStreamContext
	sub        *nats.Subscription
	name       string
	visibility time.Duration

	// FetchWait bounds how long Receive waits for the first message.
	FetchWait time.Duration
}

// NewJetStream binds to the consumer EnsureJetStream created for cfg.
func NewJetStream(js nats.JetStreamContext, cfg Config) (*JetStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sub, err := js.PullSubscribe(Subject(cfg.Name), cfg.Name, nats.Bind(StreamName, cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("bind consumer %s: %w", cfg.Name, err)
	}
	return &JetStream{
		js:         js,
		sub:        sub,
		name:       cfg.Name,
		visibility: cfg.VisibilityTimeout,
		FetchWait:  defaultFetchWait,
	}, nil
}

// NewJetStreamRegistry provisions the stream and binds every queue.
func NewJetStreamRegistry(js nats.JetStreamContext, configs []Config) (*Registry, error) {
	if err := EnsureJetStream(js, configs); err != nil {
		return nil, err
	}
	queues := make([]Queue, 0, len(configs))
	for _, cfg := range configs {
		q, err := NewJetStream(js, cfg)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return NewRegistry(queues...)
}

func (q *JetStream) Name() string                     { return q.name }
func (q *JetStream) VisibilityTimeout() time.Duration { return q.visibility }

func (q *JetStream) Send(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = nuid.Next()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	out := nats.NewMsg(Subject(q.name))
	out.Data = payload
	out.Header.Set(nats.MsgIdHdr, msg.ID)
	for k, v := range msg.Attributes {
		out.Header.Set("Attr-"+k, v)
	}
	_, err = q.js.PublishMsg(out, nats.Context(ctx))
	return err
}

func (q *JetStream) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	wait := q.FetchWait
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < wait {
			wait = left
		}
	}
	if wait <= 0 {
		return nil, context.DeadlineExceeded
	}

	msgs, err := q.sub.Fetch(max, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Delivery, 0, len(msgs))
	for _, raw := range msgs {
		var msg Message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			// Undecodable payloads would be redelivered forever.
			_ = raw.Term()
			continue
		}
		attempt, receipt := 1, ""
		if meta, metaErr := raw.Metadata(); metaErr == nil {
			attempt = int(meta.NumDelivered)
			receipt = strconv.FormatUint(meta.Sequence.Consumer, 10)
		}
		m := raw
		out = append(out, Delivery{
			Message: msg,
			Queue:   q.name,
			Attempt: attempt,
			Receipt: receipt,
			ack: func(ctx context.Context) error {
				return m.AckSync(nats.Context(ctx))
			},
		})
	}
	return out, nil
}

func (q *JetStream) Ack(ctx context.Context, d Delivery) error {
	if d.ack == nil || d.Queue != q.name {
		return fmt.Errorf("%w: %s/%s", ErrReceiptExpired, q.name, d.ID)
	}
	if err := d.ack(ctx); err != nil {
		return fmt.Errorf("ack %s/%s: %w", q.name, d.ID, err)
	}
	return nil
}
