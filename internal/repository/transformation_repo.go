package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pixshift/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransformationRepository persists transformations. Every status change is a conditional update keyed on
// the current status; a false result means another actor won the transition.
type TransformationRepository interface {
	Create(ctx context.Context, t *model.Transformation) error
	GetByID(ctx context.Context, id string) (*model.Transformation, error)
	// Claim moves PENDING to PROCESSING.
	Claim(ctx context.Context, id string) (bool, error)
	// Complete moves PROCESSING to COMPLETED. The key is stored only while the record is not purged;
	// stored=false with applied=true means the caller owns bytes nothing references.
	Complete(ctx context.Context, id, transformedKey string) (applied bool, stored bool, err error)
	// Fail moves PENDING or PROCESSING to FAILED.
	Fail(ctx context.Context, id, reason string) (bool, error)
	// MarkDownloaded records the first download time; later calls keep the original. Records that are
	// purged or have no transformed image yield ErrNotFound.
	MarkDownloaded(ctx context.Context, id string, at time.Time) error
	// MarkPurged clears both image references and sets deleted_at once.
	MarkPurged(ctx context.Context, id string, at time.Time) error
	// ListEligibleForPurge pages through unpurged records past cutoff in (created_at, id) order, starting
	// after the given cursor. A nil cursor starts at the beginning.
	ListEligibleForPurge(ctx context.Context, cutoff time.Time, after *PurgeCursor, limit int) ([]*model.Transformation, error)
	ListUnpurgedByUser(ctx context.Context, userID string) ([]*model.Transformation, error)
	// CountCompletedByUser counts COMPLETED records of the user, purged ones included.
	CountCompletedByUser(ctx context.Context, userID string) (int, error)
	// ListStale returns records in status whose updated_at is at or before olderThan.
	ListStale(ctx context.Context, status model.TransformationStatus, olderThan time.Time, limit int) ([]*model.Transformation, error)
}

// PurgeCursor is the position of the last record a sweep visited.
type PurgeCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor positioned on t.
func CursorAfter(t *model.Transformation) *PurgeCursor {
	return &PurgeCursor{CreatedAt: t.CreatedAt, ID: t.ID}
}

type transformationRepo struct {
	pool *pgxpool.Pool
}

func NewTransformationRepo(pool *pgxpool.Pool) TransformationRepository {
	return &transformationRepo{pool: pool}
}

const transformationColumns = `id, user_id, transformation_type_id, prompt, original_image_key, transformed_image_key,
	status, error_message, created_at, updated_at, downloaded_at, deleted_at`

func scanTransformation(row pgx.Row) (*model.Transformation, error) {
	var t model.Transformation
	err := row.Scan(&t.ID, &t.UserID, &t.TypeID, &t.Prompt, &t.OriginalImageKey, &t.TransformedImageKey,
		&t.Status, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.DownloadedAt, &t.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *transformationRepo) Create(ctx context.Context, t *model.Transformation) error {
	query := `INSERT INTO transformations (id, user_id, transformation_type_id, prompt, original_image_key, status)
              VALUES ($1, $2, $3, $4, $5, $6)
              RETURNING created_at, updated_at`
	if err := r.pool.QueryRow(ctx, query, t.ID, t.UserID, t.TypeID, t.Prompt, t.OriginalImageKey, t.Status).Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("creating transformation %s: %w", t.ID, err)
	}
	return nil
}

func (r *transformationRepo) GetByID(ctx context.Context, id string) (*model.Transformation, error) {
	t, err := scanTransformation(r.pool.QueryRow(ctx, `SELECT `+transformationColumns+` FROM transformations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching transformation %s: %w", id, err)
	}
	return t, nil
}

func (r *transformationRepo) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transformations SET status = 'PROCESSING', updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return false, fmt.Errorf("claiming transformation %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *transformationRepo) Complete(ctx context.Context, id, transformedKey string) (bool, bool, error) {
	var stored bool
	err := r.pool.QueryRow(ctx, `
		UPDATE transformations
		SET status = 'COMPLETED',
		    transformed_image_key = CASE WHEN deleted_at IS NULL THEN $2 ELSE NULL END,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING transformed_image_key IS NOT NULL`, id, transformedKey).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("completing transformation %s: %w", id, err)
	}
	return true, stored, nil
}

func (r *transformationRepo) Fail(ctx context.Context, id, reason string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transformations SET status = 'FAILED', error_message = $2, updated_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')`, id, reason)
	if err != nil {
		return false, fmt.Errorf("failing transformation %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *transformationRepo) MarkDownloaded(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transformations SET downloaded_at = COALESCE(downloaded_at, $2), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND transformed_image_key IS NOT NULL`, id, at)
	if err != nil {
		return fmt.Errorf("marking transformation %s downloaded: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *transformationRepo) MarkPurged(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transformations
		SET original_image_key = NULL,
		    transformed_image_key = NULL,
		    deleted_at = COALESCE(deleted_at, $2),
		    updated_at = now()
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("marking transformation %s purged: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *transformationRepo) list(ctx context.Context, query string, args ...any) ([]*model.Transformation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Transformation
	for rows.Next() {
		t, err := scanTransformation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const eligibleForPurge = `
		SELECT ` + transformationColumns + ` FROM transformations
		WHERE deleted_at IS NULL
		  AND ((downloaded_at IS NOT NULL AND downloaded_at <= $1)
		       OR (downloaded_at IS NULL AND created_at <= $1))`

func (r *transformationRepo) ListEligibleForPurge(ctx context.Context, cutoff time.Time, after *PurgeCursor, limit int) ([]*model.Transformation, error) {
	var (
		out []*model.Transformation
		err error
	)
	if after == nil {
		out, err = r.list(ctx, eligibleForPurge+`
		ORDER BY created_at, id
		LIMIT $2`, cutoff, limit)
	} else {
		out, err = r.list(ctx, eligibleForPurge+`
		  AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`, cutoff, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing transformations eligible for purge: %w", err)
	}
	return out, nil
}

func (r *transformationRepo) CountCompletedByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transformations WHERE user_id = $1 AND status = 'COMPLETED'`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting completed transformations for user %s: %w", userID, err)
	}
	return n, nil
}

func (r *transformationRepo) ListUnpurgedByUser(ctx context.Context, userID string) ([]*model.Transformation, error) {
	out, err := r.list(ctx, `
		SELECT `+transformationColumns+` FROM transformations
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing unpurged transformations for user %s: %w", userID, err)
	}
	return out, nil
}

func (r *transformationRepo) ListStale(ctx context.Context, status model.TransformationStatus, olderThan time.Time, limit int) ([]*model.Transformation, error) {
	out, err := r.list(ctx, `
		SELECT `+transformationColumns+` FROM transformations
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at
		LIMIT $3`, status, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale %s transformations: %w", status, err)
	}
	return out, nil
}
