package repository

import (
	"context"
	"fmt"
	"time"

	"pixshift/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

type VerificationTokenRepository interface {
	// CreateIfIdle stores t unless identifier already holds a token that expires after now. The check and
	// the insert are serialized per identifier; created=false means the cooldown is active.
	CreateIfIdle(ctx context.Context, t *model.VerificationToken, now time.Time) (created bool, err error)
	// HasUnexpired reports whether identifier holds a token that expires after now.
	HasUnexpired(ctx context.Context, identifier string, now time.Time) (bool, error)
	// Consume deletes a matching unexpired token and reports whether one existed.
	Consume(ctx context.Context, identifier, token string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type verificationTokenRepo struct {
	pool *pgxpool.Pool
}

func NewVerificationTokenRepo(pool *pgxpool.Pool) VerificationTokenRepository {
	return &verificationTokenRepo{pool: pool}
}

func (r *verificationTokenRepo) CreateIfIdle(ctx context.Context, t *model.VerificationToken, now time.Time) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("starting transaction for token of %s: %w", t.Identifier, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Two issuers for the same identifier both see no active row, so rows alone cannot serialize them.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.Identifier); err != nil {
		return false, fmt.Errorf("locking tokens of %s: %w", t.Identifier, err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO verification_tokens (identifier, token, expires)
		SELECT $1, $2, $3
		WHERE NOT EXISTS (SELECT 1 FROM verification_tokens WHERE identifier = $1 AND expires > $4)`,
		t.Identifier, t.Token, t.Expires, now)
	if err != nil {
		return false, fmt.Errorf("creating verification token for %s: %w", t.Identifier, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing token of %s: %w", t.Identifier, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *verificationTokenRepo) HasUnexpired(ctx context.Context, identifier string, now time.Time) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM verification_tokens WHERE identifier = $1 AND expires > $2)`,
		identifier, now).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking verification tokens for %s: %w", identifier, err)
	}
	return ok, nil
}

func (r *verificationTokenRepo) Consume(ctx context.Context, identifier, token string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM verification_tokens WHERE identifier = $1 AND token = $2 AND expires > $3`,
		identifier, token, now)
	if err != nil {
		return false, fmt.Errorf("consuming verification token for %s: %w", identifier, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *verificationTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM verification_tokens WHERE expires <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired verification tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
