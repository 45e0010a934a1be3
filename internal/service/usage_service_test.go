package service

import (
	"context"
	"testing"

	"pixshift/internal/config"
	"pixshift/internal/model"
	"pixshift/internal/repository"
	"pixshift/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUsageFixture(t *testing.T, catalog *config.PricingCatalog) (*memory.Store, UsageService) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.Users().CreateUser(context.Background(), &model.User{ID: "u1", Email: "u1@example.com"}))
	svc := NewUsageService(UsageDeps{
		Ledger:          NewLedgerService(store.Usage(), 5, nil, zerolog.Nop()),
		Transformations: store.Transformations(),
		Billing:         store.Billing(),
		Catalog:         catalog,
	}, zerolog.Nop())
	return store, svc
}

// addTransformation stores a record of userID in status and, when charge is set, a billing record
// settled as billed.
func addTransformation(t *testing.T, store *memory.Store, userID string, status model.TransformationStatus, charge *model.BillingRecord, billed model.BillingStatus) {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, store.Transformations().Create(ctx, &model.Transformation{ID: id, UserID: userID, TypeID: "cartoon", Status: status}))
	if charge == nil {
		return
	}
	charge.ID, charge.UserID, charge.TransformationID = uuid.NewString(), userID, &id
	rec, _, err := store.Billing().Open(ctx, charge)
	require.NoError(t, err)
	if billed != model.BillingPending {
		ok, err := store.Billing().TransitionFromPending(ctx, rec.ID, billed, nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestUsageStatistics(t *testing.T) {
	store, svc := newUsageFixture(t, nil)
	usd := func(amount int64) *model.BillingRecord { return &model.BillingRecord{AmountMinor: amount, Currency: "USD"} }

	// Three free completions, two paid USD, one paid EUR.
	for i := 0; i < 3; i++ {
		addTransformation(t, store, "u1", model.TransformationCompleted, nil, "")
	}
	addTransformation(t, store, "u1", model.TransformationCompleted, usd(99), model.BillingCompleted)
	addTransformation(t, store, "u1", model.TransformationCompleted, usd(199), model.BillingCompleted)
	addTransformation(t, store, "u1", model.TransformationCompleted, &model.BillingRecord{AmountMinor: 150, Currency: "EUR"}, model.BillingCompleted)
	// Not counted: unsettled or failed charges, unfinished work, other users.
	addTransformation(t, store, "u1", model.TransformationCompleted, usd(99), model.BillingPending)
	addTransformation(t, store, "u1", model.TransformationFailed, usd(99), model.BillingFailed)
	addTransformation(t, store, "u1", model.TransformationProcessing, nil, "")
	addTransformation(t, store, "u2", model.TransformationCompleted, usd(500), model.BillingCompleted)

	stats, err := svc.Statistics(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, stats.TotalTransformations)
	assert.Equal(t, 3, stats.PaidTransformations)
	assert.Equal(t, 4, stats.FreeTransformations)
	assert.Equal(t, []repository.SpendTotal{
		{Currency: "EUR", AmountMinor: 150, Count: 1},
		{Currency: "USD", AmountMinor: 298, Count: 2},
	}, stats.Spent)
}

func TestUsageStatisticsEmpty(t *testing.T) {
	_, svc := newUsageFixture(t, nil)
	stats, err := svc.Statistics(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, UsageStatistics{Spent: []repository.SpendTotal{}}, *stats)
}

func TestUpgradePrompt(t *testing.T) {
	catalog, err := config.LoadPricingCatalog("")
	require.NoError(t, err)
	freeOnly, err := config.ParsePricingCatalog([]byte("tiers:\n  free:\n    name: Free\n    model: free\n"))
	require.NoError(t, err)

	paid := []UpgradeOption{
		{TierID: "basic", Name: "Basic", Description: "Pay per transformation", AmountMinor: 99, Currency: "USD"},
		{TierID: "premium", Name: "Premium", Description: "Pay per transformation, high resolution", AmountMinor: 199, Currency: "USD"},
	}
	tests := []struct {
		name    string
		catalog *config.PricingCatalog
		used    int
		want    UpgradePrompt
	}{
		{
			name:    "allotment left",
			catalog: catalog,
			used:    2,
			want:    UpgradePrompt{FreeTier: FreeTierStatus{Used: 2, Remaining: 3, Limit: 5}, Options: paid},
		},
		{
			name:    "allotment exhausted",
			catalog: catalog,
			used:    5,
			want:    UpgradePrompt{FreeTier: FreeTierStatus{Used: 5, Limit: 5, Exhausted: true}, ShouldUpgrade: true, Options: paid},
		},
		{
			name:    "no paid tier to offer",
			catalog: freeOnly,
			used:    5,
			want:    UpgradePrompt{FreeTier: FreeTierStatus{Used: 5, Limit: 5, Exhausted: true}, Options: []UpgradeOption{}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, svc := newUsageFixture(t, tc.catalog)
			for i := 0; i < tc.used; i++ {
				_, _, err := store.Usage().TryConsumeFreeUnit(context.Background(), "u1", 5)
				require.NoError(t, err)
			}
			got, err := svc.UpgradePrompt(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestUpgradePromptUnknownUser(t *testing.T) {
	_, svc := newUsageFixture(t, nil)
	_, err := svc.UpgradePrompt(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
