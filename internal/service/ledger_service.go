package service

import (
	"context"
	"errors"
	"fmt"

	"pixshift/internal/metrics"
	"pixshift/internal/repository"

	"github.com/rs/zerolog"
)

// FreeTierStatus is a point-in-time view of a user's free allotment.
type FreeTierStatus struct {
	Used      int  `json:"used"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	Exhausted bool `json:"exhausted"`
}

// LedgerService owns the per-user free-unit counter.
type LedgerService interface {
	// TryConsumeFreeUnit atomically takes one free unit. False means the limit was already reached.
	TryConsumeFreeUnit(ctx context.Context, userID string) (bool, error)
	GetStatus(ctx context.Context, userID string) (*FreeTierStatus, error)
}

type ledgerService struct {
	repo    repository.UsageRepository
	limit   int
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewLedgerService(repo repository.UsageRepository, limit int, m *metrics.Metrics, logger zerolog.Logger) LedgerService {
	return &ledgerService{
		repo:    repo,
		limit:   limit,
		metrics: m,
		logger:  logger.With().Str("service", "LedgerService").Logger(),
	}
}

func (s *ledgerService) TryConsumeFreeUnit(ctx context.Context, userID string) (bool, error) {
	ok, used, err := s.repo.TryConsumeFreeUnit(ctx, userID, s.limit)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrUserNotFound
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to consume free unit")
		return false, fmt.Errorf("consuming free unit for %s: %w", userID, err)
	}
	result := "consumed"
	if !ok {
		result = "denied"
	}
	if s.metrics != nil {
		s.metrics.FreeUnits.WithLabelValues(result).Inc()
	}
	s.logger.Debug().Str("user_id", userID).Int("used", used).Str("result", result).Msg("Free unit attempt")
	return ok, nil
}

func (s *ledgerService) GetStatus(ctx context.Context, userID string) (*FreeTierStatus, error) {
	used, err := s.repo.GetFreeTierUsed(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("reading free tier status for %s: %w", userID, err)
	}
	remaining := s.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &FreeTierStatus{
		Used:      used,
		Remaining: remaining,
		Limit:     s.limit,
		Exhausted: remaining == 0,
	}, nil
}
