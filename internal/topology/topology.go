// Package topology loads the deployed wiring of the marketplace: queues,
// routing rules and per-handler grants. The default document is embedded;
// a file may replace it at startup.
package topology

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/grants"
	"github.com/marketplace-api/project/internal/queue"
	"github.com/marketplace-api/project/internal/routing"
)

//go:embed topology.yaml
var defaultDocument []byte

var (
	ErrUnknownEvent     = errors.New("rule matches an event outside the catalog")
	ErrUndeclaredQueue  = errors.New("queue is not declared")
	ErrGrantMismatch    = errors.New("deployed grants differ from derived grants")
	ErrUnknownHandler   = errors.New("grants declared for unknown handler")
	ErrDuplicateHandler = errors.New("duplicate handler requirement")
)

// Document is the YAML form.
type Document struct {
	Queues   []queue.Config          `yaml:"queues"`
	Rules    []routing.Rule          `yaml:"rules"`
	Handlers map[string][]GrantEntry `yaml:"handlers"`
}

// GrantEntry grants actions on one resource, e.g.
// {resource: "queue:BidQueue", actions: [send]}.
type GrantEntry struct {
	Resource string          `yaml:"resource"`
	Actions  []grants.Action `yaml:"actions"`
}

type Topology struct {
	Queues []queue.Config
	Router *routing.Table
	Matrix *grants.Matrix
}

// Default parses the embedded document.
func Default() (*Topology, error) {
	return Parse(defaultDocument)
}

// Load reads path, or the embedded document when path is empty.
func Load(path string) (*Topology, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Topology, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	return Build(doc)
}

// Build checks a document for internal consistency: every queue valid and
// unique, every rule on a catalog event and a declared queue, every grant
// well formed and pointing at a declared queue.
func Build(doc Document) (*Topology, error) {
	declared := make(map[string]bool, len(doc.Queues))
	for _, q := range doc.Queues {
		if err := q.Validate(); err != nil {
			return nil, err
		}
		if declared[q.Name] {
			return nil, fmt.Errorf("%w: %s", queue.ErrDuplicateQueue, q.Name)
		}
		declared[q.Name] = true
	}

	for _, r := range doc.Rules {
		if !contracts.InCatalog(r.Key()) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, r.Key())
		}
		if !declared[r.Queue] {
			return nil, fmt.Errorf("%w: rule %s targets %s", ErrUndeclaredQueue, r.Key(), r.Queue)
		}
	}
	router, err := routing.New(doc.Rules)
	if err != nil {
		return nil, err
	}

	byHandler := make(map[string][]grants.Grant, len(doc.Handlers))
	for handler, entries := range doc.Handlers {
		for _, e := range entries {
			res, err := grants.ParseResource(e.Resource)
			if err != nil {
				return nil, fmt.Errorf("handler %s: %w", handler, err)
			}
			if res.Kind == grants.KindQueue && !declared[res.Name] {
				return nil, fmt.Errorf("%w: handler %s is granted %s", ErrUndeclaredQueue, handler, res)
			}
			for _, a := range e.Actions {
				byHandler[handler] = append(byHandler[handler], grants.Grant{Resource: res, Action: a})
			}
		}
	}
	matrix, err := grants.NewMatrix(byHandler)
	if err != nil {
		return nil, err
	}

	queues := append([]queue.Config(nil), doc.Queues...)
	return &Topology{Queues: queues, Router: router, Matrix: matrix}, nil
}

// Validate requires the deployed grants of every handler to equal what its
// requirement derives: nothing missing and nothing broader. Handlers present
// only in the document are rejected too.
func (t *Topology) Validate(reqs []grants.Requirement) error {
	var errs []error
	seen := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		if seen[req.Handler] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateHandler, req.Handler))
			continue
		}
		seen[req.Handler] = true

		want, err := grants.Derive(req, t.Router)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		missing, extra := grants.NewSet(t.Matrix.Grants(req.Handler)...).Diff(want)
		if len(missing) > 0 || len(extra) > 0 {
			errs = append(errs, fmt.Errorf("%w: %s: missing %v, extra %v", ErrGrantMismatch, req.Handler, missing, extra))
		}
	}
	for _, h := range t.Matrix.Handlers() {
		if !seen[h] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownHandler, h))
		}
	}
	return errors.Join(errs...)
}

// Route is one rule as shown by Describe.
type Route struct {
	Source string `json:"source"`
	Type   string `json:"type"`
	Queue  string `json:"queue"`
}

// Description is a JSON-friendly view of the topology.
type Description struct {
	Queues []queue.Config      `json:"queues"`
	Routes []Route             `json:"routes"`
	Grants map[string][]string `json:"grants"`
	Feeds  map[string][]string `json:"feeds"`
}

func (t *Topology) Describe() Description {
	d := Description{
		Queues: append([]queue.Config(nil), t.Queues...),
		Grants: map[string][]string{},
		Feeds:  map[string][]string{},
	}
	for _, r := range t.Router.Rules() {
		d.Routes = append(d.Routes, Route{Source: r.Source, Type: r.Type, Queue: r.Queue})
	}
	for _, h := range t.Matrix.Handlers() {
		for _, g := range t.Matrix.Grants(h) {
			d.Grants[h] = append(d.Grants[h], g.String())
		}
	}
	for _, q := range t.Router.Queues() {
		for _, k := range t.Router.Targets(q) {
			d.Feeds[q] = append(d.Feeds[q], k.String())
		}
		sort.Strings(d.Feeds[q])
	}
	return d
}
