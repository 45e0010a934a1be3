package dto

import "time"

// UserCreateDTO is used for incoming create requests
type UserCreateDTO struct {
	Email       string `json:"email" validate:"required,email"`
	PricingTier string `json:"pricing_tier,omitempty" validate:"omitempty,max=64"`
}

// UserTierDTO selects a pricing tier. An empty tier clears the selection.
type UserTierDTO struct {
	PricingTier string `json:"pricing_tier" validate:"max=64"`
}

// UserResponseDTO is returned in API responses
type UserResponseDTO struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	FreeTierUsed int       `json:"free_tier_used"`
	PricingTier  string    `json:"pricing_tier,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
