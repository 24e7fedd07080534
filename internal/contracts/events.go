package contracts

import "time"

type CategoryUpdate struct {
	CategoryID  string    `json:"categoryId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (CategoryUpdate) Key() Key { return KeyCategoryUpdate }
func (CategoryUpdate) event()   {}

type CategoryDelete struct {
	CategoryID string    `json:"categoryId"`
	DeletedAt  time.Time `json:"deletedAt"`
}

func (CategoryDelete) Key() Key { return KeyCategoryDelete }
func (CategoryDelete) event()   {}

type SubcategoryAssignment struct {
	SectionID     string    `json:"sectionId"`
	CategoryID    string    `json:"categoryId"`
	SubcategoryID string    `json:"subcategoryId"`
	AssignedAt    time.Time `json:"assignedAt"`
}

func (SubcategoryAssignment) Key() Key { return KeySubcategoryAssignment }
func (SubcategoryAssignment) event()   {}

type SchemaImport struct {
	SchemaID   string    `json:"schemaId"`
	SectionID  string    `json:"sectionId"`
	Fields     []string  `json:"fields"`
	RowCount   int       `json:"rowCount"`
	ImportedAt time.Time `json:"importedAt"`
}

func (SchemaImport) Key() Key { return KeySchemaImport }
func (SchemaImport) event()   {}

type VerifyListing struct {
	ListingID  string    `json:"listingId"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

func (VerifyListing) Key() Key { return KeyVerifyListing }
func (VerifyListing) event()   {}

type ReplyToMessage struct {
	MessageID string    `json:"messageId"`
	ReplyID   string    `json:"replyId"`
	SenderID  string    `json:"senderId"`
	RepliedAt time.Time `json:"repliedAt"`
}

func (ReplyToMessage) Key() Key { return KeyReplyToMessage }
func (ReplyToMessage) event()   {}

type FilterContactInfo struct {
	MessageID  string    `json:"messageId"`
	Redactions int       `json:"redactions"`
	FilteredAt time.Time `json:"filteredAt"`
}

func (FilterContactInfo) Key() Key { return KeyFilterContactInfo }
func (FilterContactInfo) event()   {}

type PlaceBid struct {
	BidID     string    `json:"bidId"`
	AuctionID string    `json:"auctionId"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	PlacedAt  time.Time `json:"placedAt"`
}

func (PlaceBid) Key() Key { return KeyPlaceBid }
func (PlaceBid) event()   {}

type UpgradeMembership struct {
	UserID     string    `json:"userId"`
	FromTier   string    `json:"fromTier"`
	ToTier     string    `json:"toTier"`
	UpgradedAt time.Time `json:"upgradedAt"`
}

func (UpgradeMembership) Key() Key { return KeyUpgradeMembership }
func (UpgradeMembership) event()   {}

type LoginEvent struct {
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	LoggedInAt time.Time `json:"loggedInAt"`
}

func (LoginEvent) Key() Key { return KeyLoginEvent }
func (LoginEvent) event()   {}

type UserCreateEvent struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (UserCreateEvent) Key() Key { return KeyUserCreateEvent }
func (UserCreateEvent) event()   {}

type UserDeleteEvent struct {
	UserID    string    `json:"userId"`
	DeletedAt time.Time `json:"deletedAt"`
}

func (UserDeleteEvent) Key() Key { return KeyUserDeleteEvent }
func (UserDeleteEvent) event()   {}
