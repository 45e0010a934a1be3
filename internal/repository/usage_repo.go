package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageRepository tracks free-tier consumption per user.
type UsageRepository interface {
	// TryConsumeFreeUnit locks the user's row, and increments free_tier_used when it is below limit.
	// It reports whether a unit was consumed and the count after the call. Unknown users yield ErrNotFound.
	TryConsumeFreeUnit(ctx context.Context, userID string, limit int) (bool, int, error)
	// GetFreeTierUsed is a plain read of the user's count.
	GetFreeTierUsed(ctx context.Context, userID string) (int, error)
}

type usageRepo struct {
	pool *pgxpool.Pool
}

// NewUsageRepo creates a new UsageRepository.
func NewUsageRepo(pool *pgxpool.Pool) UsageRepository {
	return &usageRepo{pool: pool}
}

func (r *usageRepo) TryConsumeFreeUnit(ctx context.Context, userID string, limit int) (bool, int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, 0, fmt.Errorf("starting transaction for free unit of %s: %w", userID, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var used int
	const lockQ = `SELECT free_tier_used FROM users WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lockQ, userID).Scan(&used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, ErrNotFound
		}
		return false, 0, fmt.Errorf("locking usage row for %s: %w", userID, err)
	}
	if used >= limit {
		return false, used, nil
	}
	const incQ = `UPDATE users SET free_tier_used = free_tier_used + 1, updated_at = now() WHERE id = $1 RETURNING free_tier_used`
	if err := tx.QueryRow(ctx, incQ, userID).Scan(&used); err != nil {
		return false, 0, fmt.Errorf("incrementing free units for %s: %w", userID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("committing free unit for %s: %w", userID, err)
	}
	return true, used, nil
}

func (r *usageRepo) GetFreeTierUsed(ctx context.Context, userID string) (int, error) {
	var used int
	if err := r.pool.QueryRow(ctx, `SELECT free_tier_used FROM users WHERE id = $1`, userID).Scan(&used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("reading free units for %s: %w", userID, err)
	}
	return used, nil
}
