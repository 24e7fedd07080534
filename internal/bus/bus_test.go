package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/platform/metrics"
	"github.com/marketplace-api/project/internal/queue"
	"github.com/marketplace-api/project/internal/routing"
)

type sent struct {
	queue string
	msg   queue.Message
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sent
	err   error
	block chan struct{}
}

func (f *fakeSender) Send(_ context.Context, name string, msg queue.Message) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{queue: name, msg: msg})
	return nil
}

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPublish_RoutesToQueueWithEnvelope(t *testing.T) {
	sender := &fakeSender{}
	b := New(routing.Default(), sender,
		WithSyncDelivery(),
		WithClock(func() time.Time { return fixedTime }),
		WithIDs(func() string { return "evt-1" }),
	)

	err := b.Publish(context.Background(), contracts.CategoryUpdate{CategoryID: "c1", Name: "Toys"})
	require.NoError(t, err)

	got := sender.all()
	require.Len(t, got, 1)
	assert.Equal(t, "CategoryQueue", got[0].queue)
	assert.Equal(t, "evt-1", got[0].msg.ID)
	assert.Equal(t, "aws.marketplace", got[0].msg.Attributes[queue.AttrSource])
	assert.Equal(t, "CategoryUpdate", got[0].msg.Attributes[queue.AttrDetailType])

	var env contracts.Envelope
	require.NoError(t, json.Unmarshal(got[0].msg.Body, &env))
	assert.Equal(t, contracts.KeyCategoryUpdate, env.Key())
	assert.True(t, fixedTime.Equal(env.Time))

	var detail contracts.CategoryUpdate
	require.NoError(t, json.Unmarshal(env.Detail, &detail))
	assert.Equal(t, "c1", detail.CategoryID)
}

func TestPublish_UnroutedIsDroppedAndCounted(t *testing.T) {
	sender := &fakeSender{}
	m := metrics.New()
	table, err := routing.New([]routing.Rule{{Source: "aws.users", Type: "UserCreateEvent", Queue: "UserQueue"}})
	require.NoError(t, err)
	b := New(table, sender, WithSyncDelivery(), WithMetrics(m))

	require.NoError(t, b.Publish(context.Background(), contracts.UserDeleteEvent{UserID: "u1"}))
	assert.Empty(t, sender.all())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("aws.users", "UserDeleteEvent", metrics.OutcomeUnrouted)))
	assert.Zero(t, testutil.ToFloat64(m.Events.WithLabelValues("aws.users", "UserDeleteEvent", metrics.OutcomeDeliveryFailed)))
}

func TestPublish_DeliveryFailureIsNotReturned(t *testing.T) {
	sender := &fakeSender{err: errors.New("queue down")}
	m := metrics.New()
	b := New(routing.Default(), sender, WithSyncDelivery(), WithMetrics(m))

	require.NoError(t, b.Publish(context.Background(), contracts.PlaceBid{BidID: "b1"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("aws.auctions", "PlaceBid", metrics.OutcomeDeliveryFailed)))
}

func TestPublish_AsyncDoesNotWaitForDelivery(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	b := New(routing.Default(), sender, WithBuffer(4))

	done := make(chan error, 1)
	go func() {
		done <- b.Publish(context.Background(), contracts.LoginEvent{UserID: "u1"})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on queue delivery")
	}
	assert.Empty(t, sender.all())

	close(sender.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	got := sender.all()
	require.Len(t, got, 1)
	assert.Equal(t, "AuthQueue", got[0].queue)

	assert.ErrorIs(t, b.Publish(context.Background(), contracts.LoginEvent{}), ErrClosed)
}

func TestPublish_CanceledCallerDoesNotAbortDelivery(t *testing.T) {
	sender := &fakeSender{}
	b := New(routing.Default(), sender)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Publish(ctx, contracts.UserCreateEvent{UserID: "u1"}))
	cancel()

	closeCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	require.NoError(t, b.Close(closeCtx))
	require.Len(t, sender.all(), 1)
}

func TestPublish_NilEvent(t *testing.T) {
	b := New(routing.Default(), &fakeSender{}, WithSyncDelivery())
	assert.ErrorIs(t, b.Publish(context.Background(), nil), ErrInvalidEvent)
}

func TestPublish_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	m := metrics.New()
	b := New(routing.Default(), sender, WithBuffer(1), WithMetrics(m))
	t.Cleanup(func() { close(sender.block) })

	bid := contracts.PlaceBid{BidID: "b1"}
	require.NoError(t, b.Publish(context.Background(), bid))
	// The first event is picked up and parked in Send.
	require.Eventually(t, func() bool { return len(b.pending) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Publish(context.Background(), bid))

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), bid) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full delivery buffer")
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Events.WithLabelValues("aws.auctions", "PlaceBid", metrics.OutcomeRouted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("aws.auctions", "PlaceBid", metrics.OutcomeDeliveryFailed)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPublish_ClosedBusIsNotCountedAsRouted(t *testing.T) {
	m := metrics.New()
	b := New(routing.Default(), &fakeSender{}, WithMetrics(m))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	assert.ErrorIs(t, b.Publish(context.Background(), contracts.PlaceBid{BidID: "b1"}), ErrClosed)
	assert.Zero(t, testutil.ToFloat64(m.Events.WithLabelValues("aws.auctions", "PlaceBid", metrics.OutcomeRouted)))

	synced := New(routing.Default(), &fakeSender{}, WithSyncDelivery(), WithMetrics(m))
	require.NoError(t, synced.Close(ctx))
	assert.ErrorIs(t, synced.Publish(context.Background(), contracts.PlaceBid{BidID: "b2"}), ErrClosed)
	assert.Zero(t, testutil.ToFloat64(m.Events.WithLabelValues("aws.auctions", "PlaceBid", metrics.OutcomeRouted)))
}

type waitingSender struct{}

func (waitingSender) Send(ctx context.Context, _ string, _ queue.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPublish_DeliveryTimeoutBoundsSend(t *testing.T) {
	m := metrics.New()
	b := New(routing.Default(), waitingSender{}, WithSyncDelivery(), WithMetrics(m), WithDeliveryTimeout(20*time.Millisecond))

	start := time.Now()
	require.NoError(t, b.Publish(context.Background(), contracts.PlaceBid{BidID: "b1"}))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("aws.auctions", "PlaceBid", metrics.OutcomeDeliveryFailed)))
}
