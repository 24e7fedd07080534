// Package grants models the capabilities a command handler holds: which
// tables and indexes it may touch, which queues it may send to, whether it may
// publish on the event bus and which auxiliary services it may invoke.
//
// Grants are fixed at startup. A Matrix fails closed: anything not granted is
// denied.
package grants

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/marketplace-api/project/internal/cipher"
	"github.com/marketplace-api/project/internal/contracts"
)

type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionQuery   Action = "query"
	ActionSend    Action = "send"
	ActionPublish Action = "publish"
	ActionInvoke  Action = "invoke"
)

func (a Action) valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionQuery, ActionSend, ActionPublish, ActionInvoke:
		return true
	}
	return false
}

type Kind string

const (
	KindTable    Kind = "table"
	KindIndex    Kind = "index"
	KindQueue    Kind = "queue"
	KindEventBus Kind = "eventbus"
	KindService  Kind = "service"
)

// allowed lists the actions meaningful for each resource kind.
var allowed = map[Kind][]Action{
	KindTable:    {ActionRead, ActionWrite},
	KindIndex:    {ActionQuery},
	KindQueue:    {ActionSend},
	KindEventBus: {ActionPublish},
	KindService:  {ActionInvoke},
}

var (
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidGrant       = errors.New("invalid grant")
	ErrInvalidRequirement = errors.New("invalid handler requirement")
	ErrUnroutedEmit       = errors.New("handler emits an event with no routing rule")
)

// Resource names one protected thing, written "kind:name".
type Resource struct {
	Kind Kind
	Name string
}

func Table(name string) Resource { return Resource{Kind: KindTable, Name: name} }

// Index names a table's secondary index as "<table>/index/<index>".
func Index(table, index string) Resource {
	return Resource{Kind: KindIndex, Name: table + "/index/" + index}
}

func Queue(name string) Resource   { return Resource{Kind: KindQueue, Name: name} }
func Service(name string) Resource { return Resource{Kind: KindService, Name: name} }

// EventBus is the whole default bus. Publish rights are not scoped per
// source or type.
func EventBus() Resource { return Resource{Kind: KindEventBus, Name: "*"} }

func (r Resource) String() string { return string(r.Kind) + ":" + r.Name }

func ParseResource(s string) (Resource, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return Resource{}, fmt.Errorf("%w: resource %q", ErrInvalidGrant, s)
	}
	r := Resource{Kind: Kind(kind), Name: name}
	if _, known := allowed[r.Kind]; !known {
		return Resource{}, fmt.Errorf("%w: unknown resource kind %q", ErrInvalidGrant, kind)
	}
	return r, nil
}

type Grant struct {
	Resource Resource
	Action   Action
}

func (g Grant) String() string { return string(g.Action) + " " + g.Resource.String() }

// Validate rejects actions that make no sense on the resource kind.
func (g Grant) Validate() error {
	if !g.Action.valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidGrant, g.Action)
	}
	for _, a := range allowed[g.Resource.Kind] {
		if a == g.Action {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not applicable to %s", ErrInvalidGrant, g.Action, g.Resource)
}

// Set is an unordered grant collection.
type Set map[Grant]struct{}

func NewSet(gs ...Grant) Set {
	s := make(Set, len(gs))
	for _, g := range gs {
		s[g] = struct{}{}
	}
	return s
}

func (s Set) Add(gs ...Grant) {
	for _, g := range gs {
		s[g] = struct{}{}
	}
}

func (s Set) Has(g Grant) bool {
	_, ok := s[g]
	return ok
}

// Sorted returns the grants ordered by resource then action.
func (s Set) Sorted() []Grant {
	out := make([]Grant, 0, len(s))
	for g := range s {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Resource.String(), out[j].Resource.String()
		if a != b {
			return a < b
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// Diff reports grants in want but not in s (missing) and in s but not in
// want (extra).
func (s Set) Diff(want Set) (missing, extra []Grant) {
	for _, g := range want.Sorted() {
		if !s.Has(g) {
			missing = append(missing, g)
		}
	}
	for _, g := range s.Sorted() {
		if !want.Has(g) {
			extra = append(extra, g)
		}
	}
	return missing, extra
}

// Access is the store access level of a handler.
type Access string

const (
	AccessRead      Access = "read"
	AccessWrite     Access = "write"
	AccessReadWrite Access = "readwrite"
)

// Requirement is what a handler declares about itself. Derive turns it into
// the minimal grant set.
type Requirement struct {
	Handler  string
	Table    string
	Access   Access
	Indexes  []string
	Emits    []contracts.Key
	Enqueues []string
	// Write marks write-side handlers, which also seal responses.
	Write bool
}

// Router resolves an event key to its target queue.
type Router interface {
	Route(key contracts.Key) (string, bool)
}

// Derive computes the minimal grants for req. Emitting an event that has no
// routing rule is an error here so the mistake surfaces at startup.
func Derive(req Requirement, router Router) (Set, error) {
	if req.Handler == "" || req.Table == "" {
		return nil, fmt.Errorf("%w: handler and table are required", ErrInvalidRequirement)
	}
	out := NewSet()

	switch req.Access {
	case AccessRead:
		out.Add(Grant{Table(req.Table), ActionRead})
	case AccessWrite:
		out.Add(Grant{Table(req.Table), ActionWrite})
	case AccessReadWrite:
		out.Add(Grant{Table(req.Table), ActionRead}, Grant{Table(req.Table), ActionWrite})
	default:
		return nil, fmt.Errorf("%w: %s: access %q", ErrInvalidRequirement, req.Handler, req.Access)
	}

	for _, idx := range req.Indexes {
		out.Add(Grant{Index(req.Table, idx), ActionQuery})
	}

	if len(req.Emits) > 0 {
		out.Add(Grant{EventBus(), ActionPublish})
	}
	for _, key := range req.Emits {
		q, ok := router.Route(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s emits %s", ErrUnroutedEmit, req.Handler, key)
		}
		out.Add(Grant{Queue(q), ActionSend})
	}
	for _, q := range req.Enqueues {
		out.Add(Grant{Queue(q), ActionSend})
	}

	out.Add(Grant{Service(cipher.ServiceDecrypt), ActionInvoke})
	if req.Write {
		out.Add(Grant{Service(cipher.ServiceEncrypt), ActionInvoke})
	}
	return out, nil
}

// DeniedError reports the first grant a handler lacks.
type DeniedError struct {
	Handler string
	Grant   Grant
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: handler %s lacks %s", ErrForbidden, e.Handler, e.Grant)
}

func (e *DeniedError) Is(target error) bool { return target == ErrForbidden }

// Matrix is the deployed grant set, keyed by handler.
type Matrix struct {
	byHandler map[string]Set
}

func NewMatrix(byHandler map[string][]Grant) (*Matrix, error) {
	m := &Matrix{byHandler: make(map[string]Set, len(byHandler))}
	for handler, gs := range byHandler {
		for _, g := range gs {
			if err := g.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", handler, err)
			}
		}
		m.byHandler[handler] = NewSet(gs...)
	}
	return m, nil
}

func (m *Matrix) Allows(handler string, g Grant) bool {
	if m == nil {
		return false
	}
	return m.byHandler[handler].Has(g)
}

// Authorize checks every required grant and returns a *DeniedError for the
// first one missing.
func (m *Matrix) Authorize(handler string, required ...Grant) error {
	for _, g := range required {
		if !m.Allows(handler, g) {
			return &DeniedError{Handler: handler, Grant: g}
		}
	}
	return nil
}

func (m *Matrix) Grants(handler string) []Grant {
	if m == nil {
		return nil
	}
	return m.byHandler[handler].Sorted()
}

func (m *Matrix) Handlers() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.byHandler))
	for h := range m.byHandler {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
