package service

import (
	"context"
	"testing"

	"pixshift/internal/config"
	"pixshift/internal/model"
	"pixshift/internal/repository/memory"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserService(t *testing.T) {
	catalog, err := config.LoadPricingCatalog("")
	require.NoError(t, err)
	store := memory.NewStore()
	svc := NewUserService(store.Users(), catalog, zerolog.Nop())
	ctx := context.Background()

	_, err = svc.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrUserNotFound)

	basic := "basic"
	u, err := svc.Create(ctx, &model.User{ID: "u1", Email: "u1@example.com", PricingTier: &basic, FreeTierUsed: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, u.FreeTierUsed, "a new profile starts with the full allotment")
	assert.Equal(t, "basic", u.Tier())

	_, err = svc.Create(ctx, &model.User{ID: "u1", Email: "again@example.com"})
	assert.ErrorIs(t, err, ErrUserExists)

	gold := "gold"
	_, err = svc.Create(ctx, &model.User{ID: "u2", Email: "u2@example.com", PricingTier: &gold})
	assert.ErrorIs(t, err, ErrUnknownTier)

	u, err = svc.SelectTier(ctx, "u1", "premium")
	require.NoError(t, err)
	assert.Equal(t, "premium", u.Tier())

	u, err = svc.SelectTier(ctx, "u1", "")
	require.NoError(t, err)
	assert.Nil(t, u.PricingTier)

	_, err = svc.SelectTier(ctx, "u1", "gold")
	assert.ErrorIs(t, err, ErrUnknownTier)
	_, err = svc.SelectTier(ctx, "ghost", "basic")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
