package model

import "time"

// User is the subject the ledger and billing key off.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	FreeTierUsed int       `db:"free_tier_used" json:"free_tier_used"`
	PricingTier  *string   `db:"pricing_tier" json:"pricing_tier,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Tier returns the selected pricing tier id, or "" when none is selected.
func (u *User) Tier() string {
	if u.PricingTier == nil {
		return ""
	}
	return *u.PricingTier
}
