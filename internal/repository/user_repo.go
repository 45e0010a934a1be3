package repository

import (
	"context"
	"errors"
	"fmt"

	"pixshift/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by mutations addressed at a row that does not exist. Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("not_found")

type UserRepository interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	SetPricingTier(ctx context.Context, id string, tier *string) error
}

type userRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

func (r *userRepo) CreateUser(ctx context.Context, u *model.User) error {
	query := `INSERT INTO users (id, email, pricing_tier)
              VALUES ($1, $2, $3)
              RETURNING free_tier_used, created_at, updated_at`
	if err := r.pool.QueryRow(ctx, query, u.ID, u.Email, u.PricingTier).Scan(&u.FreeTierUsed, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return fmt.Errorf("creating user %s: %w", u.ID, err)
	}
	return nil
}

func (r *userRepo) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	query := `SELECT id, email, free_tier_used, pricing_tier, created_at, updated_at FROM users WHERE id = $1`
	err := r.pool.QueryRow(ctx, query, id).Scan(&u.ID, &u.Email, &u.FreeTierUsed, &u.PricingTier, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching user %s: %w", id, err)
	}
	return &u, nil
}

func (r *userRepo) SetPricingTier(ctx context.Context, id string, tier *string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET pricing_tier = $2, updated_at = now() WHERE id = $1`, id, tier)
	if err != nil {
		return fmt.Errorf("setting pricing tier for user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
