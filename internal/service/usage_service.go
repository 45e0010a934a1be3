package service

import (
	"context"
	"fmt"
	"sort"

	"pixshift/internal/config"
	"pixshift/internal/repository"

	"github.com/rs/zerolog"
)

// UsageStatistics summarizes what a user has transformed and paid for. Spent holds one entry per
// currency the user has settled in.
type UsageStatistics struct {
	TotalTransformations int                     `json:"total_transformations"`
	PaidTransformations  int                     `json:"paid_transformations"`
	FreeTransformations  int                     `json:"free_transformations"`
	Spent                []repository.SpendTotal `json:"spent"`
}

type UpgradeOption struct {
	TierID      string `json:"tier_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// UpgradePrompt tells a client whether to offer paid tiers. Options are sorted by price.
type UpgradePrompt struct {
	FreeTier      FreeTierStatus  `json:"free_tier"`
	ShouldUpgrade bool            `json:"should_upgrade"`
	Options       []UpgradeOption `json:"options"`
}

type UsageService interface {
	Statistics(ctx context.Context, userID string) (*UsageStatistics, error)
	UpgradePrompt(ctx context.Context, userID string) (*UpgradePrompt, error)
}

type UsageDeps struct {
	Ledger          LedgerService
	Transformations repository.TransformationRepository
	Billing         repository.BillingRepository
	Catalog         *config.PricingCatalog
}

type usageService struct {
	ledger          LedgerService
	transformations repository.TransformationRepository
	billing         repository.BillingRepository
	options         []UpgradeOption
	logger          zerolog.Logger
}

func NewUsageService(deps UsageDeps, logger zerolog.Logger) UsageService {
	return &usageService{
		ledger:          deps.Ledger,
		transformations: deps.Transformations,
		billing:         deps.Billing,
		options:         paidOptions(deps.Catalog),
		logger:          logger.With().Str("service", "UsageService").Logger(),
	}
}

func paidOptions(catalog *config.PricingCatalog) []UpgradeOption {
	if catalog == nil {
		return nil
	}
	var out []UpgradeOption
	for id, t := range catalog.Tiers {
		if !t.Paid() {
			continue
		}
		out = append(out, UpgradeOption{TierID: id, Name: t.Name, Description: t.Description, AmountMinor: t.Amount, Currency: t.Currency})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AmountMinor == out[j].AmountMinor {
			return out[i].TierID < out[j].TierID
		}
		return out[i].AmountMinor < out[j].AmountMinor
	})
	return out
}

func (s *usageService) Statistics(ctx context.Context, userID string) (*UsageStatistics, error) {
	total, err := s.transformations.CountCompletedByUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to count transformations")
		return nil, fmt.Errorf("counting transformations for %s: %w", userID, err)
	}
	spent, err := s.billing.SumCompletedByUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to sum spend")
		return nil, fmt.Errorf("summing spend for %s: %w", userID, err)
	}
	paid := 0
	for _, st := range spent {
		paid += st.Count
	}
	free := total - paid
	if free < 0 {
		free = 0
	}
	if spent == nil {
		spent = []repository.SpendTotal{}
	}
	return &UsageStatistics{
		TotalTransformations: total,
		PaidTransformations:  paid,
		FreeTransformations:  free,
		Spent:                spent,
	}, nil
}

func (s *usageService) UpgradePrompt(ctx context.Context, userID string) (*UpgradePrompt, error) {
	status, err := s.ledger.GetStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	options := make([]UpgradeOption, len(s.options))
	copy(options, s.options)
	return &UpgradePrompt{
		FreeTier:      *status,
		ShouldUpgrade: status.Exhausted && len(options) > 0,
		Options:       options,
	}, nil
}
