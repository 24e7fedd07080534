package grants

import (
	"context"
	"errors"

	"github.com/marketplace-api/project/internal/cipher"
	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/platform/metrics"
	"github.com/marketplace-api/project/internal/queue"
	"github.com/marketplace-api/project/internal/store"
)

// Guard checks a single handler's grants at the moment each action is used.
type Guard struct {
	Matrix  *Matrix
	Handler string
	Metrics *metrics.Metrics
}

// Check authorizes gs and counts a denial against the first missing grant.
func (g Guard) Check(gs ...Grant) error {
	err := g.Matrix.Authorize(g.Handler, gs...)
	var denied *DeniedError
	if errors.As(err, &denied) {
		g.Metrics.IncDenial(g.Handler, denied.Grant.Resource.String(), string(denied.Grant.Action))
	}
	return err
}

// Store wraps s so every call is checked against the table grants.
func (g Guard) Store(s store.Store) store.Store { return guardedStore{guard: g, next: s} }

// Sender wraps a queue sender with per-queue send checks.
func (g Guard) Sender(s queue.Sender) queue.Sender { return guardedSender{guard: g, next: s} }

func (g Guard) Invoker(inv cipher.Invoker) cipher.Invoker {
	return guardedInvoker{guard: g, next: inv}
}

// Publisher accepts typed domain events.
type Publisher interface {
	Publish(ctx context.Context, e contracts.Event) error
}

// Publisher wraps a bus. Publishing needs the bus publish grant and send on
// the queue the event routes to; unrouted events need only publish.
func (g Guard) Publisher(p Publisher, router Router) Publisher {
	return guardedPublisher{guard: g, next: p, router: router}
}

type guardedStore struct {
	guard Guard
	next  store.Store
}

func (s guardedStore) Get(ctx context.Context, table, pk, sk string) (store.Record, error) {
	if err := s.guard.Check(Grant{Table(table), ActionRead}); err != nil {
		return store.Record{}, err
	}
	return s.next.Get(ctx, table, pk, sk)
}

func (s guardedStore) Query(ctx context.Context, table, pk string) ([]store.Record, error) {
	if err := s.guard.Check(Grant{Table(table), ActionRead}); err != nil {
		return nil, err
	}
	return s.next.Query(ctx, table, pk)
}

func (s guardedStore) QueryIndex(ctx context.Context, table, index, key string) ([]store.Record, error) {
	if err := s.guard.Check(Grant{Index(table, index), ActionQuery}); err != nil {
		return nil, err
	}
	return s.next.QueryIndex(ctx, table, index, key)
}

func (s guardedStore) Scan(ctx context.Context, table string) ([]store.Record, error) {
	if err := s.guard.Check(Grant{Table(table), ActionRead}); err != nil {
		return nil, err
	}
	return s.next.Scan(ctx, table)
}

func (s guardedStore) Put(ctx context.Context, table string, records ...store.Record) error {
	if err := s.guard.Check(Grant{Table(table), ActionWrite}); err != nil {
		return err
	}
	return s.next.Put(ctx, table, records...)
}

func (s guardedStore) Update(ctx context.Context, table, pk, sk string, fn func(*store.Record) error) (store.Record, error) {
	if err := s.guard.Check(Grant{Table(table), ActionRead}, Grant{Table(table), ActionWrite}); err != nil {
		return store.Record{}, err
	}
	return s.next.Update(ctx, table, pk, sk, fn)
}

func (s guardedStore) DeletePartition(ctx context.Context, table, pk string) (int, error) {
	if err := s.guard.Check(Grant{Table(table), ActionWrite}); err != nil {
		return 0, err
	}
	return s.next.DeletePartition(ctx, table, pk)
}

type guardedSender struct {
	guard Guard
	next  queue.Sender
}

func (s guardedSender) Send(ctx context.Context, name string, msg queue.Message) error {
	if err := s.guard.Check(Grant{Queue(name), ActionSend}); err != nil {
		return err
	}
	return s.next.Send(ctx, name, msg)
}

type guardedInvoker struct {
	guard Guard
	next  cipher.Invoker
}

func (i guardedInvoker) Invoke(ctx context.Context, service string, payload []byte) ([]byte, error) {
	if err := i.guard.Check(Grant{Service(service), ActionInvoke}); err != nil {
		return nil, err
	}
	return i.next.Invoke(ctx, service, payload)
}

type guardedPublisher struct {
	guard  Guard
	next   Publisher
	router Router
}

func (p guardedPublisher) Publish(ctx context.Context, e contracts.Event) error {
	required := []Grant{{EventBus(), ActionPublish}}
	if q, ok := p.router.Route(e.Key()); ok {
		required = append(required, Grant{Queue(q), ActionSend})
	}
	if err := p.guard.Check(required...); err != nil {
		return err
	}
	return p.next.Publish(ctx, e)
}
