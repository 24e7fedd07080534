// Package dispatch runs command handlers. A handler's Exec performs the
// domain operation and describes what to emit; the dispatcher publishes only
// after Exec returned without error, so an event never precedes its write.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marketplace-api/project/internal/cipher"
	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/grants"
	"github.com/marketplace-api/project/internal/platform/metrics"
	"github.com/marketplace-api/project/internal/queue"
	"github.com/marketplace-api/project/internal/store"
)

// DefaultTimeout is the per-invocation deadline.
const DefaultTimeout = 29 * time.Second

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnknownHandler    = errors.New("unknown handler")
	ErrDuplicateHandler  = errors.New("duplicate handler")
	// ErrUndeclaredEvent and ErrUndeclaredEnqueue are programming errors
	// detected after Exec returned. Any write Exec made stays committed;
	// nothing from the Outcome is emitted.
	ErrUndeclaredEvent   = errors.New("handler emitted an undeclared event")
	ErrUndeclaredEnqueue = errors.New("handler enqueued to an undeclared queue")
)

type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Request is the transport-neutral input of a handler.
type Request struct {
	Params map[string]string
	Query  url.Values
	Body   []byte
	// Sealed marks a body encrypted by the caller.
	Sealed bool
	// Subject is the authenticated caller, when known.
	Subject string
}

func (r Request) Param(name string) string {
	return strings.TrimSpace(r.Params[name])
}

// Decode unmarshals the JSON body into v.
func (r Request) Decode(v any) error {
	if len(strings.TrimSpace(string(r.Body))) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Enqueue is a direct queue send, bypassing the bus.
type Enqueue struct {
	Queue string
	Body  any
}

// Outcome is what a committed handler asks the dispatcher to do next.
type Outcome struct {
	Status   int
	Body     any
	Event    contracts.Event
	Enqueues []Enqueue
}

// Env is what Exec may use. Store and Cipher are checked against the
// handler's grants on every call.
type Env struct {
	Store  store.Store
	Cipher cipher.Invoker
	Now    func() time.Time
	NewID  func() string
}

type ExecFunc func(ctx context.Context, env Env, req Request) (Outcome, error)

// Spec declares a handler: its route, the one table it owns, the access it
// needs, and everything it may emit.
type Spec struct {
	Name     string
	Method   string
	Pattern  string
	Kind     Kind
	Table    string
	Access   grants.Access
	Indexes  []string
	Emits    []contracts.Key
	Enqueues []string
	Exec     ExecFunc
}

func (s Spec) Requirement() grants.Requirement {
	return grants.Requirement{
		Handler:  s.Name,
		Table:    s.Table,
		Access:   s.Access,
		Indexes:  append([]string(nil), s.Indexes...),
		Emits:    append([]contracts.Key(nil), s.Emits...),
		Enqueues: append([]string(nil), s.Enqueues...),
		Write:    s.Kind == KindWrite,
	}
}

func (s Spec) emits(k contracts.Key) bool {
	for _, e := range s.Emits {
		if e == k {
			return true
		}
	}
	return false
}

func (s Spec) enqueues(q string) bool {
	for _, e := range s.Enqueues {
		if e == q {
			return true
		}
	}
	return false
}

// Result is the handler response ready for the transport.
type Result struct {
	Status int
	Body   []byte
	Sealed bool
}

type Config struct {
	Store   store.Store
	Bus     grants.Publisher
	Queues  queue.Sender
	Cipher  cipher.Invoker
	Matrix  *grants.Matrix
	Router  grants.Router
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Timeout time.Duration
}

type Dispatcher struct {
	cfg   Config
	specs map[string]Spec
	order []string

	Now    func() time.Time
	NewID  func() string
	tracer trace.Tracer
}

func New(cfg Config, specs ...Spec) (*Dispatcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	d := &Dispatcher{
		cfg:    cfg,
		specs:  make(map[string]Spec, len(specs)),
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  nuid.Next,
		tracer: otel.Tracer("github.com/marketplace-api/project/internal/dispatch"),
	}
	for _, s := range specs {
		if s.Name == "" || s.Exec == nil {
			return nil, fmt.Errorf("%w: handler spec needs a name and Exec", ErrInvalidRequest)
		}
		if _, exists := d.specs[s.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHandler, s.Name)
		}
		if s.Kind == KindRead && len(s.Emits) > 0 {
			return nil, fmt.Errorf("%w: read handler %s declares events", ErrUndeclaredEvent, s.Name)
		}
		d.specs[s.Name] = s
		d.order = append(d.order, s.Name)
	}
	return d, nil
}

// Specs returns the registered specs in registration order.
func (d *Dispatcher) Specs() []Spec {
	out := make([]Spec, 0, len(d.order))
	for _, n := range d.order {
		out = append(out, d.specs[n])
	}
	return out
}

func (d *Dispatcher) Requirements() []grants.Requirement {
	out := make([]grants.Requirement, 0, len(d.order))
	for _, s := range d.Specs() {
		out = append(out, s.Requirement())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handler < out[j].Handler })
	return out
}

// Execute runs one invocation: authorize every grant the handler needs,
// open a sealed body, commit, emit, enqueue, and seal the response of write
// handlers when the request was sealed. Any error before the emit phase
// stops the pipeline with nothing published. An Outcome naming an undeclared
// event or queue is rejected as a whole before anything is emitted, but the
// write Exec already made is not rolled back.
func (d *Dispatcher) Execute(ctx context.Context, name string, req Request) (res Result, err error) {
	spec, ok := d.specs[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "handler "+name, trace.WithAttributes(
		attribute.String("handler.name", name),
		attribute.String("handler.kind", spec.Kind.String()),
		attribute.String("handler.table", spec.Table),
	))
	defer span.End()

	log := d.cfg.Logger.With("handler", name)
	defer func() {
		outcome := metrics.OutcomeOK
		switch {
		case errors.Is(err, grants.ErrForbidden):
			outcome = metrics.OutcomeDenied
		case err != nil:
			outcome = metrics.OutcomeError
		}
		d.cfg.Metrics.IncHandler(name, outcome)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			log.WarnContext(ctx, "handler failed", "outcome", outcome, "error", err)
			return
		}
		log.DebugContext(ctx, "handler completed", "status", res.Status)
	}()

	guard := grants.Guard{Matrix: d.cfg.Matrix, Handler: name, Metrics: d.cfg.Metrics}
	required, err := grants.Derive(spec.Requirement(), d.cfg.Router)
	if err != nil {
		return Result{}, err
	}
	if err := guard.Check(required.Sorted()...); err != nil {
		return Result{}, err
	}

	inv := guard.Invoker(d.cfg.Cipher)
	if req.Sealed {
		plain, err := cipher.Open(ctx, inv, req.Body)
		if err != nil {
			return Result{}, fmt.Errorf("open request: %w", err)
		}
		req.Body = plain
	}

	env := Env{
		Store:  guard.Store(d.cfg.Store),
		Cipher: inv,
		Now:    d.Now,
		NewID:  d.NewID,
	}
	out, err := spec.Exec(ctx, env, req)
	if err != nil {
		return Result{}, err
	}

	if err := checkDeclared(spec, out); err != nil {
		return Result{}, err
	}
	if err := d.emit(ctx, log, guard, spec, out); err != nil {
		return Result{}, err
	}

	status := out.Status
	if status == 0 {
		status = http.StatusOK
	}
	body, err := json.Marshal(out.Body)
	if err != nil {
		return Result{}, fmt.Errorf("encode response: %w", err)
	}
	res = Result{Status: status, Body: body}
	if req.Sealed && spec.Kind == KindWrite {
		sealed, err := cipher.Seal(ctx, inv, body)
		if err != nil {
			return Result{}, fmt.Errorf("seal response: %w", err)
		}
		res = Result{Status: status, Body: sealed, Sealed: true}
	}
	return res, nil
}

// checkDeclared rejects an Outcome carrying anything the spec did not declare.
func checkDeclared(spec Spec, out Outcome) error {
	if out.Event != nil {
		if key := out.Event.Key(); !spec.emits(key) {
			return fmt.Errorf("%w: %s emitted %s", ErrUndeclaredEvent, spec.Name, key)
		}
	}
	for _, e := range out.Enqueues {
		if !spec.enqueues(e.Queue) {
			return fmt.Errorf("%w: %s enqueued to %s", ErrUndeclaredEnqueue, spec.Name, e.Queue)
		}
	}
	return nil
}

// emit publishes the event and performs direct enqueues. Delivery problems
// after the commit are logged and counted; a denial is returned.
func (d *Dispatcher) emit(ctx context.Context, log *slog.Logger, guard grants.Guard, spec Spec, out Outcome) error {
	if out.Event != nil {
		key := out.Event.Key()
		pub := guard.Publisher(d.cfg.Bus, d.cfg.Router)
		if err := pub.Publish(ctx, out.Event); err != nil {
			if errors.Is(err, grants.ErrForbidden) {
				return err
			}
			d.cfg.Metrics.IncEvent(key.Source, key.Type, metrics.OutcomeDeliveryFailed)
			log.ErrorContext(ctx, "event publish failed",
				"source", key.Source, "type", key.Type, "outcome", metrics.OutcomeDeliveryFailed, "error", err)
		}
	}

	sender := guard.Sender(d.cfg.Queues)
	for _, e := range out.Enqueues {
		body, err := json.Marshal(e.Body)
		if err != nil {
			return fmt.Errorf("encode %s message: %w", e.Queue, err)
		}
		msg := queue.Message{
			ID:         d.NewID(),
			Body:       body,
			Attributes: map[string]string{queue.AttrHandler: spec.Name},
			SentAt:     d.Now(),
		}
		if err := sender.Send(ctx, e.Queue, msg); err != nil {
			if errors.Is(err, grants.ErrForbidden) {
				return err
			}
			log.ErrorContext(ctx, "direct enqueue failed",
				"queue", e.Queue, "outcome", metrics.OutcomeDeliveryFailed, "error", err)
		}
	}
	return nil
}
