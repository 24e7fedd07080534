package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/marketplace-api/project/internal/bus"
	"github.com/marketplace-api/project/internal/cipher"
	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/dispatch"
	"github.com/marketplace-api/project/internal/grants"
	"github.com/marketplace-api/project/internal/platform/auth"
	"github.com/marketplace-api/project/internal/queue"
	"github.com/marketplace-api/project/internal/store"
	"github.com/marketplace-api/project/internal/topology"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	d      *dispatch.Dispatcher
	store  store.Store
	queues map[string]*queue.Memory
	tokens *auth.Manager
	local  *cipher.Local
	topo   *topology.Topology
}

type harnessOpt func(*harnessConfig)

type harnessConfig struct {
	store  store.Store
	matrix *grants.Matrix
}

func withStore(s store.Store) harnessOpt { return func(c *harnessConfig) { c.store = s } }

func withMatrix(m *grants.Matrix) harnessOpt { return func(c *harnessConfig) { c.matrix = m } }

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	topo, err := topology.Default()
	require.NoError(t, err)

	cfg := harnessConfig{store: store.NewMemory(), matrix: topo.Matrix}
	for _, o := range opts {
		o(&cfg)
	}

	reg, queues, err := queue.NewMemoryRegistry(topo.Queues)
	require.NoError(t, err)
	local, err := cipher.NewLocal("handler-tests")
	require.NoError(t, err)
	tokens := auth.NewManager("jwt-secret", time.Hour)
	tokens.Now = func() time.Time { return fixedNow }

	ids := 0
	h := New(tokens)
	h.BcryptCost = bcrypt.MinCost
	h.NewID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}

	b := bus.New(topo.Router, reg, bus.WithSyncDelivery(), bus.WithClock(func() time.Time { return fixedNow }))
	d, err := dispatch.New(dispatch.Config{
		Store:  cfg.store,
		Bus:    b,
		Queues: reg,
		Cipher: local,
		Matrix: cfg.matrix,
		Router: topo.Router,
	}, h.Specs()...)
	require.NoError(t, err)
	d.Now = func() time.Time { return fixedNow }

	return &harness{d: d, store: cfg.store, queues: queues, tokens: tokens, local: local, topo: topo}
}

func (h *harness) exec(t *testing.T, name string, body any, params ...string) (dispatch.Result, error) {
	t.Helper()
	req := dispatch.Request{Params: map[string]string{}, Query: url.Values{}}
	for i := 0; i+1 < len(params); i += 2 {
		req.Params[params[i]] = params[i+1]
	}
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req.Body = raw
	}
	return h.d.Execute(context.Background(), name, req)
}

func (h *harness) mustExec(t *testing.T, name string, body any, params ...string) map[string]any {
	t.Helper()
	res, err := h.exec(t, name, body, params...)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Body, &out))
	return out
}

// envelopes returns the events sitting on q.
func (h *harness) envelopes(t *testing.T, q string) []contracts.Envelope {
	t.Helper()
	var out []contracts.Envelope
	for _, m := range h.queues[q].Peek() {
		var env contracts.Envelope
		require.NoError(t, json.Unmarshal(m.Body, &env))
		out = append(out, env)
	}
	return out
}

// depths reports every non-empty queue.
func (h *harness) depths() map[string]int {
	out := map[string]int{}
	for name, q := range h.queues {
		if n := q.Depth(); n > 0 {
			out[name] = n
		}
	}
	return out
}

func TestSpecsMatchDeployedTopology(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.topo.Validate(h.d.Requirements()))

	specs := New(nil).Specs()
	assert.Len(t, specs, 16)
	routes := map[string]bool{}
	for _, s := range specs {
		route := s.Method + " " + s.Pattern
		assert.False(t, routes[route], "duplicate route %s", route)
		routes[route] = true
		if s.Kind == dispatch.KindRead {
			assert.Empty(t, s.Emits, "%s is read-only", s.Name)
		}
	}
}

func TestCreateCategory_WritesWithoutEvent(t *testing.T) {
	h := newHarness(t)
	res, err := h.exec(t, CreateCategory, map[string]string{"name": "Toys"})
	require.NoError(t, err)
	assert.Equal(t, 201, res.Status)

	rec, err := h.store.Get(context.Background(), store.TableCategories, store.CategoryPK("id-1"), store.SKMetadata)
	require.NoError(t, err)
	var c Category
	require.NoError(t, rec.Decode(&c))
	assert.Equal(t, "Toys", c.Name)
	assert.Empty(t, h.depths(), "create publishes nothing")

	_, err = h.exec(t, CreateCategory, map[string]string{"name": " "})
	assert.ErrorIs(t, err, dispatch.ErrInvalidRequest)
}

func TestUpdateCategory_RoutesToCategoryQueue(t *testing.T) {
	h := newHarness(t)
	h.mustExec(t, CreateCategory, map[string]string{"name": "Toys"})

	out := h.mustExec(t, UpdateCategory, map[string]string{"name": "Toys2"}, "id", "id-1")
	assert.Equal(t, "Toys2", out["name"])

	assert.Equal(t, map[string]int{queue.Category: 1}, h.depths())
	env := h.envelopes(t, queue.Category)[0]
	assert.Equal(t, contracts.KeyCategoryUpdate, env.Key())
	var detail contracts.CategoryUpdate
	require.NoError(t, json.Unmarshal(env.Detail, &detail))
	assert.Equal(t, "id-1", detail.CategoryID)
	assert.Equal(t, "Toys2", detail.Name)
}

func TestUpdateCategory_MissingPublishesNothing(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec(t, UpdateCategory, map[string]string{"name": "x"}, "id", "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.depths())
}

func TestGetCategory(t *testing.T) {
	h := newHarness(t)
	h.mustExec(t, CreateCategory, map[string]string{"name": "Toys"})
	h.mustExec(t, CreateCategory, map[string]string{"name": "Books"})

	res, err := h.exec(t, GetCategory, nil)
	require.NoError(t, err)
	var all []Category
	require.NoError(t, json.Unmarshal(res.Body, &all))
	assert.Len(t, all, 2)
	assert.False(t, res.Sealed)

	req := dispatch.Request{Query: url.Values{"id": {"id-2"}}}
	res, err = h.d.Execute(context.Background(), GetCategory, req)
	require.NoError(t, err)
	var one Category
	require.NoError(t, json.Unmarshal(res.Body, &one))
	assert.Equal(t, "Books", one.Name)
	assert.Empty(t, h.depths())
}

func TestDeleteCategory_SecondDeleteIsNotFound(t *testing.T) {
	h := newHarness(t)
	h.mustExec(t, CreateCategory, map[string]string{"name": "Toys"})

	h.mustExec(t, DeleteCategory, nil, "id", "id-1")
	_, err := h.exec(t, DeleteCategory, nil, "id", "id-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, map[string]int{queue.DeleteCategory: 1}, h.depths())
}

func register(t *testing.T, h *harness, email string) AuthResponse {
	t.Helper()
	res, err := h.exec(t, RegisterUser, map[string]string{"email": email, "password": "correct-horse", "name": "Ann"})
	require.NoError(t, err)
	var out AuthResponse
	require.NoError(t, json.Unmarshal(res.Body, &out))
	return out
}

func TestRegisterUser(t *testing.T) {
	h := newHarness(t)
	out := register(t, h, "Ann@Example.com")
	assert.Equal(t, "ann@example.com", out.Email)
	assert.Equal(t, TierBasic, out.Tier)

	claims, err := h.tokens.Parse(out.Token)
	require.NoError(t, err)
	assert.Equal(t, out.UserID, claims.Subject)

	envs := h.envelopes(t, queue.User)
	require.Len(t, envs, 1)
	assert.Equal(t, contracts.KeyUserCreateEvent, envs[0].Key())

	_, err = h.exec(t, RegisterUser, map[string]string{"email": "ANN@example.com", "password": "another-pass"})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Len(t, h.envelopes(t, queue.User), 1)

	_, err = h.exec(t, RegisterUser, map[string]string{"email": "nope", "password": "another-pass"})
	assert.ErrorIs(t, err, dispatch.ErrInvalidRequest)
}

func TestLoginUser_RoutesToAuthQueue(t *testing.T) {
	h := newHarness(t)
	reg := register(t, h, "ann@example.com")

	res, err := h.exec(t, LoginUser, map[string]string{"email": "ann@example.com", "password": "correct-horse"})
	require.NoError(t, err)
	var out AuthResponse
	require.NoError(t, json.Unmarshal(res.Body, &out))
	assert.Equal(t, reg.UserID, out.UserID)

	envs := h.envelopes(t, queue.Auth)
	require.Len(t, envs, 1)
	assert.Equal(t, contracts.KeyLoginEvent, envs[0].Key())

	rec, err := h.store.Get(context.Background(), store.TableUsers, store.UserPK(reg.UserID), store.SKProfile)
	require.NoError(t, err)
	var p Profile
	require.NoError(t, rec.Decode(&p))
	assert.True(t, p.LastLoginAt.Equal(fixedNow))
	assert.Equal(t, store.EmailKey("ann@example.com"), rec.GSI1PK, "index keys survive the update")
}

func TestLoginUser_BadCredentials(t *testing.T) {
	h := newHarness(t)
	register(t, h, "ann@example.com")

	_, err := h.exec(t, LoginUser, map[string]string{"email": "ann@example.com", "password": "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = h.exec(t, LoginUser, map[string]string{"email": "bob@example.com", "password": "whatever"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, h.envelopes(t, queue.Auth))
}

// staleIndex serves email index hits that point at missing users, as a
// lagging index would right after a delete.
type staleIndex struct {
	store.Store
	pk string
}

func (s staleIndex) QueryIndex(ctx context.Context, table, index, key string) ([]store.Record, error) {
	if index == store.IndexEmail {
		return []store.Record{{PK: s.pk, SK: store.SKProfile, GSI1PK: key}}, nil
	}
	return s.Store.QueryIndex(ctx, table, index, key)
}

func TestLoginUser_StaleIndexIsNotTrusted(t *testing.T) {
	h := newHarness(t, withStore(staleIndex{Store: store.NewMemory(), pk: store.UserPK("gone")}))

	_, err := h.exec(t, LoginUser, map[string]string{"email": "ann@example.com", "password": "correct-horse"})
	assert.ErrorIs(t, err, ErrIndexStale)
	assert.Empty(t, h.depths())

	// Registration confirms the stale hit against the primary and proceeds.
	register(t, h, "ann@example.com")
	assert.Len(t, h.envelopes(t, queue.User), 1)
}

func TestDeleteUser_Idempotent(t *testing.T) {
	h := newHarness(t)
	reg := register(t, h, "ann@example.com")

	h.mustExec(t, DeleteUser, nil, "id", reg.UserID)
	envs := h.envelopes(t, queue.User)
	require.Len(t, envs, 2)
	assert.Equal(t, contracts.KeyUserDeleteEvent, envs[1].Key())

	_, err := h.exec(t, DeleteUser, nil, "id", reg.UserID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, h.envelopes(t, queue.User), 2, "no duplicate delete event")

	hits, err := h.store.QueryIndex(context.Background(), store.TableUsers, store.IndexEmail, store.EmailKey("ann@example.com"))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestUpgradeMembership(t *testing.T) {
	h := newHarness(t)
	reg := register(t, h, "ann@example.com")

	out := h.mustExec(t, UpgradeMembership, map[string]string{"userId": reg.UserID, "tier": "premium"})
	assert.Equal(t, TierPremium, out["tier"])
	envs := h.envelopes(t, queue.Membership)
	require.Len(t, envs, 1)
	var detail contracts.UpgradeMembership
	require.NoError(t, json.Unmarshal(envs[0].Detail, &detail))
	assert.Equal(t, TierBasic, detail.FromTier)
	assert.Equal(t, TierPremium, detail.ToTier)

	_, err := h.exec(t, UpgradeMembership, map[string]string{"userId": reg.UserID, "tier": "basic"})
	assert.ErrorIs(t, err, dispatch.ErrInvalidRequest)
	_, err = h.exec(t, UpgradeMembership, map[string]string{"userId": "ghost", "tier": "business"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, h.envelopes(t, queue.Membership), 1)
}

func TestPlaceBid(t *testing.T) {
	h := newHarness(t)
	out := h.mustExec(t, PlaceBid, map[string]any{"bidderId": "u1", "amount": 1500}, "id", "a1")
	assert.Equal(t, "a1", out["auctionId"])

	envs := h.envelopes(t, queue.Bid)
	require.Len(t, envs, 1)
	assert.Equal(t, contracts.KeyPlaceBid, envs[0].Key())

	_, err := h.exec(t, PlaceBid, map[string]any{"bidderId": "u1", "amount": 0}, "id", "a1")
	assert.ErrorIs(t, err, dispatch.ErrInvalidRequest)
}

func TestPlaceBid_WithoutSendGrantIsDenied(t *testing.T) {
	topo, err := topology.Default()
	require.NoError(t, err)
	byHandler := map[string][]grants.Grant{}
	for _, name := range topo.Matrix.Handlers() {
		for _, g := range topo.Matrix.Grants(name) {
			if name == PlaceBid && g.Resource == grants.Queue(queue.Bid) {
				continue
			}
			byHandler[name] = append(byHandler[name], g)
		}
	}
	m, err := grants.NewMatrix(byHandler)
	require.NoError(t, err)

	h := newHarness(t, withMatrix(m))
	_, err = h.exec(t, PlaceBid, map[string]any{"bidderId": "u1", "amount": 10}, "id", "a1")
	require.ErrorIs(t, err, grants.ErrForbidden)
	assert.False(t, errors.Is(err, store.ErrNotFound), "denial is distinct from not-found")
	assert.Contains(t, err.Error(), "send queue:BidQueue")

	bids, err := h.store.Scan(context.Background(), store.TableBids)
	require.NoError(t, err)
	assert.Empty(t, bids)
	assert.Empty(t, h.depths())
}

type failingPuts struct{ store.Store }

func (failingPuts) Put(context.Context, string, ...store.Record) error {
	return fmt.Errorf("put: %w", store.ErrUnavailable)
}

func TestStoreFailure_NoEventDownstream(t *testing.T) {
	h := newHarness(t, withStore(failingPuts{store.NewMemory()}))
	for _, tc := range []struct {
		name   string
		body   any
		params []string
	}{
		{PlaceBid, map[string]any{"bidderId": "u1", "amount": 10}, []string{"id", "a1"}},
		{VerifyListing, map[string]string{"listingId": "l1", "status": "approved"}, nil},
		{AssignSubcategory, map[string]string{"sectionId": "s", "categoryId": "c", "subcategoryId": "sc"}, nil},
		{PostMessage, map[string]string{"senderId": "u1", "body": "hi"}, nil},
	} {
		_, err := h.exec(t, tc.name, tc.body, tc.params...)
		assert.ErrorIs(t, err, store.ErrUnavailable, tc.name)
	}
	assert.Empty(t, h.depths())
}

func TestAssignSubcategoryAndVerifyListing(t *testing.T) {
	h := newHarness(t)
	h.mustExec(t, AssignSubcategory, map[string]string{"sectionId": "s1", "categoryId": "c1", "subcategoryId": "sc1"})
	_, err := h.store.Get(context.Background(), store.TableSections, store.SectionPK("s1"), store.SubcategorySK("sc1"))
	require.NoError(t, err)

	out := h.mustExec(t, VerifyListing, map[string]string{"listingId": "l1", "status": "approved", "notes": "ok"})
	assert.Equal(t, ListingApproved, out["status"])
	_, err = h.exec(t, VerifyListing, map[string]string{"listingId": "l1", "status": "maybe"})
	assert.ErrorIs(t, err, dispatch.ErrInvalidRequest)

	assert.Equal(t, map[string]int{queue.Assign: 1, queue.Verify: 1}, h.depths())
}

func TestImportCardSchema(t *testing.T) {
	h := newHarness(t)
	csvData := "name,type,required\ncondition,text,true\nyear, number, false\n"
	res, err := h.exec(t, ImportCardSchema, map[string]string{"sectionId": "s1", "csv": csvData})
	require.NoError(t, err)
	assert.Equal(t, 201, res.Status)

	envs := h.envelopes(t, queue.SchemaImport)
	require.Len(t, envs, 1)
	var detail contracts.SchemaImport
	require.NoError(t, json.Unmarshal(envs[0].Detail, &detail))
	assert.Equal(t, []string{"condition", "year"}, detail.Fields)
	assert.Equal(t, 2, detail.RowCount)

	for name, bad := range map[string]string{
		"header":    "field,kind\nx,text\n",
		"type":      "name,type,required\nx,blob,true\n",
		"duplicate": "name,type,required\nx,text,true\nx,text,false\n",
		"empty":     "name,type,required\n",
		"flag":      "name,type,required\nx,text,sometimes\n",
	} {
		_, err := h.exec(t, ImportCardSchema, map[string]string{"sectionId": "s1", "csv": bad})
		assert.ErrorIs(t, err, dispatch.ErrInvalidRequest, name)
	}
	assert.Len(t, h.envelopes(t, queue.SchemaImport), 1)
}

func TestMessages_DirectReviewAndReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := h.mustExec(t, PostMessage, map[string]string{"senderId": "u1", "body": "is this still available?"})
	id := out["id"].(string)
	assert.Equal(t, "is this still available?", out["body"])

	rec, err := h.store.Get(ctx, store.TableMessages, store.MessagePK(id), store.SKStatus)
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Data), "still available", "body is encrypted at rest")

	review := h.queues[queue.Review].Peek()
	require.Len(t, review, 1)
	assert.Equal(t, PostMessage, review[0].Attributes[queue.AttrHandler])
	var rr contracts.ReviewRequest
	require.NoError(t, json.Unmarshal(review[0].Body, &rr))
	assert.Equal(t, contracts.ReviewRequest{MessageID: id, Reason: contracts.ReviewReasonPosted, RequestedAt: fixedNow}, rr)

	res, err := h.exec(t, GetPendingMessages, nil)
	require.NoError(t, err)
	var pending []Message
	require.NoError(t, json.Unmarshal(res.Body, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "is this still available?", pending[0].Body)
	assert.Equal(t, 2, h.queues[queue.Review].Depth())

	_, err = h.exec(t, ReplyToMessage, map[string]string{"senderId": "u2", "body": "yes"}, "id", "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	h.mustExec(t, ReplyToMessage, map[string]string{"senderId": "u2", "body": "yes"}, "id", id)

	envs := h.envelopes(t, queue.Reply)
	require.Len(t, envs, 1)
	assert.Equal(t, contracts.KeyReplyToMessage, envs[0].Key())
}

func TestFilterContactInfo(t *testing.T) {
	h := newHarness(t)
	out := h.mustExec(t, PostMessage, map[string]string{
		"senderId": "u1",
		"body":     "mail me at ann@example.com or call +1 (555) 123-4567",
	})
	id := out["id"].(string)

	res, err := h.exec(t, FilterContactInfo, map[string]string{"messageId": id})
	require.NoError(t, err)
	var filtered struct {
		Message    Message `json:"message"`
		Redactions int     `json:"redactions"`
	}
	require.NoError(t, json.Unmarshal(res.Body, &filtered))
	assert.Equal(t, 2, filtered.Redactions)
	assert.Equal(t, MessageFiltered, filtered.Message.Status)
	assert.False(t, strings.Contains(filtered.Message.Body, "ann@example.com"))

	envs := h.envelopes(t, queue.Filter)
	require.Len(t, envs, 1)

	res, err = h.exec(t, GetPendingMessages, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(res.Body))

	_, err = h.exec(t, FilterContactInfo, map[string]string{"messageId": "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedactContactInfo(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
		n    int
	}{
		"plain":  {"hello there", "hello there", 0},
		"email":  {"x a.b@c.io y", "x [redacted] y", 1},
		"link":   {"see https://evil.example/path now", "see [redacted] now", 1},
		"phone":  {"ring 020 7946 0958", "ring [redacted]", 1},
		"mixed":  {"a@b.co and www.site.com", "[redacted] and [redacted]", 2},
		"number": {"price is 1200", "price is 1200", 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, n := redactContactInfo(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.n, n)
		})
	}
}

func TestSealedRegistrationRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body, err := cipher.Seal(ctx, h.local, []byte(`{"email":"ann@example.com","password":"correct-horse"}`))
	require.NoError(t, err)

	res, err := h.d.Execute(ctx, RegisterUser, dispatch.Request{Body: body, Sealed: true})
	require.NoError(t, err)
	require.True(t, res.Sealed)
	plain, err := cipher.Open(ctx, h.local, res.Body)
	require.NoError(t, err)
	var out AuthResponse
	require.NoError(t, json.Unmarshal(plain, &out))
	assert.Equal(t, "ann@example.com", out.Email)
}
