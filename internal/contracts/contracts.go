package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event sources. A source names the domain that owns the state change.
const (
	SourceMarketplace = "aws.marketplace"
	SourceMessages    = "aws.messages"
	SourceAuctions    = "aws.auctions"
	SourceMembership  = "aws.membership"
	SourceAuth        = "aws.auth"
	SourceUsers       = "aws.users"
)

// Key is the routing key of a domain event.
type Key struct {
	Source string `json:"source" yaml:"source"`
	Type   string `json:"type" yaml:"type"`
}

func (k Key) String() string {
	return k.Source + "/" + k.Type
}

var (
	KeyCategoryUpdate        = Key{Source: SourceMarketplace, Type: "CategoryUpdate"}
	KeyCategoryDelete        = Key{Source: SourceMarketplace, Type: "CategoryDelete"}
	KeySubcategoryAssignment = Key{Source: SourceMarketplace, Type: "SubcategoryAssignment"}
	KeySchemaImport          = Key{Source: SourceMarketplace, Type: "SchemaImport"}
	KeyVerifyListing         = Key{Source: SourceMarketplace, Type: "VerifyListing"}
	KeyReplyToMessage        = Key{Source: SourceMessages, Type: "ReplyToMessage"}
	KeyFilterContactInfo     = Key{Source: SourceMessages, Type: "FilterContactInfo"}
	KeyPlaceBid              = Key{Source: SourceAuctions, Type: "PlaceBid"}
	KeyUpgradeMembership     = Key{Source: SourceMembership, Type: "UpgradeMembership"}
	KeyLoginEvent            = Key{Source: SourceAuth, Type: "LoginEvent"}
	KeyUserCreateEvent       = Key{Source: SourceUsers, Type: "UserCreateEvent"}
	KeyUserDeleteEvent       = Key{Source: SourceUsers, Type: "UserDeleteEvent"}
)

// Catalog returns every event key a handler may emit.
func Catalog() []Key {
	return []Key{
		KeyCategoryUpdate,
		KeyCategoryDelete,
		KeySubcategoryAssignment,
		KeySchemaImport,
		KeyVerifyListing,
		KeyReplyToMessage,
		KeyFilterContactInfo,
		KeyPlaceBid,
		KeyUpgradeMembership,
		KeyLoginEvent,
		KeyUserCreateEvent,
		KeyUserDeleteEvent,
	}
}

// InCatalog reports whether k names a known event variant.
func InCatalog(k Key) bool {
	for _, known := range Catalog() {
		if known == k {
			return true
		}
	}
	return false
}

// Event is implemented only by the variants declared in this package, so the
// bus cannot be handed a free-form payload.
type Event interface {
	Key() Key
	event()
}

// Envelope is the immutable wire form of a published event.
type Envelope struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Time       time.Time       `json:"time"`
	Detail     json.RawMessage `json:"detail"`
}

func NewEnvelope(id string, at time.Time, e Event) (Envelope, error) {
	if e == nil {
		return Envelope{}, fmt.Errorf("nil event")
	}
	detail, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s detail: %w", e.Key(), err)
	}
	k := e.Key()
	return Envelope{
		ID:         id,
		Source:     k.Source,
		DetailType: k.Type,
		Time:       at,
		Detail:     detail,
	}, nil
}

func (e Envelope) Key() Key {
	return Key{Source: e.Source, Type: e.DetailType}
}

// ReviewRequest is enqueued directly on ReviewQueue, without a bus hop.
type ReviewRequest struct {
	MessageID   string    `json:"messageId"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

const (
	ReviewReasonPosted  = "posted"
	ReviewReasonPending = "pending"
)
