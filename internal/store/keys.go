package store

import "strings"

const (
	SKMetadata     = "METADATA"
	SKVerification = "VERIFICATION"
	SKStatus       = "STATUS"
	SKProfile      = "PROFILE"
	SKAuth         = "AUTH"
)

func CategoryPK(id string) string    { return "CATEGORY#" + id }
func SectionPK(id string) string     { return "SECTION#" + id }
func SubcategorySK(id string) string { return "SUBCATEGORY#" + id }
func SchemaPK(id string) string      { return "SCHEMA#" + id }
func SchemaSectionSK(id string) string {
	return "SECTION#" + id
}
func ListingPK(id string) string { return "LISTING#" + id }
func MessagePK(id string) string { return "MESSAGE#" + id }
func ReplySK(id string) string   { return "REPLY#" + id }
func BidPK(id string) string     { return "BID#" + id }
func AuctionSK(id string) string { return "AUCTION#" + id }
func UserPK(id string) string    { return "USER#" + id }

// EmailKey is the EmailIndex partition value. Emails are matched
// case-insensitively.
func EmailKey(email string) string {
	return "EMAIL#" + strings.ToLower(strings.TrimSpace(email))
}
