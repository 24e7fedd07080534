package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/marketplace-api/project/internal/contracts"
)

var (
	ErrInvalidRule   = errors.New("invalid routing rule")
	ErrDuplicateRule = errors.New("duplicate routing rule")
)

// Rule sends every event with exactly (Source, Type) to Queue.
type Rule struct {
	Source string `json:"source" yaml:"source"`
	Type   string `json:"type" yaml:"type"`
	Queue  string `json:"queue" yaml:"queue"`
}

func (r Rule) Key() contracts.Key {
	return contracts.Key{Source: r.Source, Type: r.Type}
}

// Table is an immutable rule set. Each (source, type) pair targets at most
// one queue; matching is exact and case-sensitive.
type Table struct {
	rules []Rule
	byKey map[contracts.Key]string
}

func New(rules []Rule) (*Table, error) {
	t := &Table{
		rules: make([]Rule, 0, len(rules)),
		byKey: make(map[contracts.Key]string, len(rules)),
	}
	for _, r := range rules {
		if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Type) == "" || strings.TrimSpace(r.Queue) == "" {
			return nil, fmt.Errorf("%w: %+v", ErrInvalidRule, r)
		}
		k := r.Key()
		if existing, ok := t.byKey[k]; ok {
			return nil, fmt.Errorf("%w: %s already targets %s", ErrDuplicateRule, k, existing)
		}
		t.byKey[k] = r.Queue
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// Route returns the target queue for key, or false when no rule matches.
func (t *Table) Route(key contracts.Key) (string, bool) {
	if t == nil {
		return "", false
	}
	q, ok := t.byKey[key]
	return q, ok
}

func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Targets lists the keys feeding queue, sorted.
func (t *Table) Targets(queue string) []contracts.Key {
	var out []contracts.Key
	for _, r := range t.rules {
		if r.Queue == queue {
			out = append(out, r.Key())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Queues lists every queue targeted by at least one rule, sorted.
func (t *Table) Queues() []string {
	seen := map[string]struct{}{}
	for _, r := range t.rules {
		seen[r.Queue] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Preserves reports an error when next drops or retargets any pair routed by
// prev. Extending next with additional pairs is allowed.
func Preserves(prev, next *Table) error {
	var broken []string
	for _, r := range prev.rules {
		got, ok := next.Route(r.Key())
		switch {
		case !ok:
			broken = append(broken, fmt.Sprintf("%s no longer routed (was %s)", r.Key(), r.Queue))
		case got != r.Queue:
			broken = append(broken, fmt.Sprintf("%s moved from %s to %s", r.Key(), r.Queue, got))
		}
	}
	if len(broken) > 0 {
		return fmt.Errorf("routing regression: %s", strings.Join(broken, "; "))
	}
	return nil
}

// DefaultRules is the deployed marketplace rule set.
func DefaultRules() []Rule {
	return []Rule{
		{Source: contracts.SourceMarketplace, Type: "CategoryUpdate", Queue: "CategoryQueue"},
		{Source: contracts.SourceMarketplace, Type: "CategoryDelete", Queue: "DeleteCategoryQueue"},
		{Source: contracts.SourceMarketplace, Type: "SubcategoryAssignment", Queue: "AssignQueue"},
		{Source: contracts.SourceMarketplace, Type: "SchemaImport", Queue: "SchemaImportQueue"},
		{Source: contracts.SourceMarketplace, Type: "VerifyListing", Queue: "VerifyQueue"},
		{Source: contracts.SourceMessages, Type: "ReplyToMessage", Queue: "ReplyQueue"},
		{Source: contracts.SourceMessages, Type: "FilterContactInfo", Queue: "FilterQueue"},
		{Source: contracts.SourceAuctions, Type: "PlaceBid", Queue: "BidQueue"},
		{Source: contracts.SourceMembership, Type: "UpgradeMembership", Queue: "MembershipQueue"},
		{Source: contracts.SourceAuth, Type: "LoginEvent", Queue: "AuthQueue"},
		{Source: contracts.SourceUsers, Type: "UserCreateEvent", Queue: "UserQueue"},
		{Source: contracts.SourceUsers, Type: "UserDeleteEvent", Queue: "UserQueue"},
	}
}

// Default builds the table from DefaultRules.
func Default() *Table {
	t, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return t
}
