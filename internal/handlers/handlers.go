// Package handlers declares the marketplace command handlers. Each handler is
// a dispatch.Spec owning one table; the dispatcher authorizes, commits and
// emits around the Exec functions defined here.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/marketplace-api/project/internal/cipher"
	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/dispatch"
	"github.com/marketplace-api/project/internal/grants"
	"github.com/marketplace-api/project/internal/platform/auth"
	"github.com/marketplace-api/project/internal/queue"
	"github.com/marketplace-api/project/internal/store"
)

const (
	CreateCategory     = "CreateCategory"
	GetCategory        = "GetCategory"
	UpdateCategory     = "UpdateCategory"
	DeleteCategory     = "DeleteCategory"
	AssignSubcategory  = "AssignSubcategory"
	ImportCardSchema   = "ImportCardSchema"
	VerifyListing      = "VerifyListing"
	GetPendingMessages = "GetPendingMessages"
	PostMessage        = "PostMessage"
	ReplyToMessage     = "ReplyToMessage"
	FilterContactInfo  = "FilterContactInfo"
	PlaceBid           = "PlaceBid"
	UpgradeMembership  = "UpgradeMembership"
	DeleteUser         = "DeleteUser"
	LoginUser          = "LoginUser"
	RegisterUser       = "RegisterUser"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrIndexStale means the email index and the primary record disagree.
	// Callers may retry once the index has caught up.
	ErrIndexStale = errors.New("email index is stale")
)

type Handlers struct {
	Tokens     *auth.Manager
	BcryptCost int
	NewID      func() string
}

func New(tokens *auth.Manager) *Handlers {
	return &Handlers{
		Tokens:     tokens,
		BcryptCost: bcrypt.DefaultCost,
		NewID:      uuid.NewString,
	}
}

// Specs returns every handler in route order.
func (h *Handlers) Specs() []dispatch.Spec {
	return []dispatch.Spec{
		{
			Name: CreateCategory, Method: http.MethodPost, Pattern: "/admin/categories",
			Kind: dispatch.KindWrite, Table: store.TableCategories, Access: grants.AccessWrite,
			Exec: h.createCategory,
		},
		{
			Name: GetCategory, Method: http.MethodGet, Pattern: "/admin/categories",
			Kind: dispatch.KindRead, Table: store.TableCategories, Access: grants.AccessRead,
			Indexes: []string{store.IndexMarketplace},
			Exec:    h.getCategory,
		},
		{
			Name: UpdateCategory, Method: http.MethodPut, Pattern: "/admin/categories/{id}",
			Kind: dispatch.KindWrite, Table: store.TableCategories, Access: grants.AccessReadWrite,
			Emits: []contracts.Key{contracts.KeyCategoryUpdate},
			Exec:  h.updateCategory,
		},
		{
			Name: DeleteCategory, Method: http.MethodDelete, Pattern: "/admin/categories/{id}",
			Kind: dispatch.KindWrite, Table: store.TableCategories, Access: grants.AccessWrite,
			Emits: []contracts.Key{contracts.KeyCategoryDelete},
			Exec:  h.deleteCategory,
		},
		{
			Name: AssignSubcategory, Method: http.MethodPost, Pattern: "/admin/sections/assign",
			Kind: dispatch.KindWrite, Table: store.TableSections, Access: grants.AccessWrite,
			Emits: []contracts.Key{contracts.KeySubcategoryAssignment},
			Exec:  h.assignSubcategory,
		},
		{
			Name: ImportCardSchema, Method: http.MethodPost, Pattern: "/admin/cardschemas/csv",
			Kind: dispatch.KindWrite, Table: store.TableCardSchemas, Access: grants.AccessWrite,
			Emits: []contracts.Key{contracts.KeySchemaImport},
			Exec:  h.importCardSchema,
		},
		{
			Name: VerifyListing, Method: http.MethodPost, Pattern: "/admin/listings/verify",
			Kind: dispatch.KindWrite, Table: store.TableListings, Access: grants.AccessWrite,
			Emits: []contracts.Key{contracts.KeyVerifyListing},
			Exec:  h.verifyListing,
		},
		{
			Name: GetPendingMessages, Method: http.MethodGet, Pattern: "/admin/messages/pending",
			Kind: dispatch.KindRead, Table: store.TableMessages, Access: grants.AccessRead,
			Enqueues: []string{queue.Review},
			Exec:     h.getPendingMessages,
		},
		{
			Name: PostMessage, Method: http.MethodPost, Pattern: "/messages",
			Kind: dispatch.KindWrite, Table: store.TableMessages, Access: grants.AccessWrite,
			Enqueues: []string{queue.Review},
			Exec:     h.postMessage,
		},
		{
			Name: ReplyToMessage, Method: http.MethodPost, Pattern: "/messages/{id}/reply",
			Kind: dispatch.KindWrite, Table: store.TableMessages, Access: grants.AccessReadWrite,
			Emits: []contracts.Key{contracts.KeyReplyToMessage},
			Exec:  h.replyToMessage,
		},
		{
			Name: FilterContactInfo, Method: http.MethodPost, Pattern: "/admin/messages/contact-filter",
			Kind: dispatch.KindWrite, Table: store.TableMessages, Access: grants.AccessReadWrite,
			Emits: []contracts.Key{contracts.KeyFilterContactInfo},
			Exec:  h.filterContactInfo,
		},
		{
			Name: PlaceBid, Method: http.MethodPost, Pattern: "/auctions/{id}/bid",
			Kind: dispatch.KindWrite, Table: store.TableBids, Access: grants.AccessWrite,
			Emits: []contracts.Key{contracts.KeyPlaceBid},
			Exec:  h.placeBid,
		},
		{
			Name: UpgradeMembership, Method: http.MethodPost, Pattern: "/membership/upgrade",
			Kind: dispatch.KindWrite, Table: store.TableUsers, Access: grants.AccessReadWrite,
			Emits: []contracts.Key{contracts.KeyUpgradeMembership},
			Exec:  h.upgradeMembership,
		},
		{
			Name: DeleteUser, Method: http.MethodDelete, Pattern: "/users/{id}",
			Kind: dispatch.KindWrite, Table: store.TableUsers, Access: grants.AccessWrite,
			Emits: []contracts.Key{contracts.KeyUserDeleteEvent},
			Exec:  h.deleteUser,
		},
		{
			Name: LoginUser, Method: http.MethodPost, Pattern: "/auth/login",
			Kind: dispatch.KindWrite, Table: store.TableUsers, Access: grants.AccessReadWrite,
			Indexes: []string{store.IndexEmail},
			Emits:   []contracts.Key{contracts.KeyLoginEvent},
			Exec:    h.loginUser,
		},
		{
			Name: RegisterUser, Method: http.MethodPost, Pattern: "/auth/register",
			Kind: dispatch.KindWrite, Table: store.TableUsers, Access: grants.AccessReadWrite,
			Indexes: []string{store.IndexEmail},
			Emits:   []contracts.Key{contracts.KeyUserCreateEvent},
			Exec:    h.registerUser,
		},
	}
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", dispatch.ErrInvalidRequest, field)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// sealText encrypts s for storage through the handler's cipher grant.
func sealText(ctx context.Context, inv cipher.Invoker, s string) (string, error) {
	out, err := cipher.Seal(ctx, inv, []byte(s))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func openText(ctx context.Context, inv cipher.Invoker, s string) (string, error) {
	out, err := cipher.Open(ctx, inv, []byte(s))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
