package repository

import (
	"context"
	"errors"
	"fmt"

	"pixshift/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type BillingRepository interface {
	// Open inserts a PENDING record. When a non-FAILED record already exists for the transformation,
	// that record is returned with existed=true and nothing is written.
	Open(ctx context.Context, rec *model.BillingRecord) (*model.BillingRecord, bool, error)
	GetByID(ctx context.Context, id string) (*model.BillingRecord, error)
	GetByGatewayTransactionID(ctx context.Context, txID string) (*model.BillingRecord, error)
	// GetActiveByTransformationID returns the non-FAILED record of a transformation, if any.
	GetActiveByTransformationID(ctx context.Context, transformationID string) (*model.BillingRecord, error)
	// SetGatewayTransactionID attaches txID to a record that has none.
	SetGatewayTransactionID(ctx context.Context, id, txID string) (bool, error)
	// TransitionFromPending moves a PENDING record to a terminal status. False means it was not PENDING.
	TransitionFromPending(ctx context.Context, id string, to model.BillingStatus, txID *string) (bool, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.BillingRecord, int, error)
	// SumCompletedByUser totals the user's COMPLETED records per currency, ordered by currency.
	SumCompletedByUser(ctx context.Context, userID string) ([]SpendTotal, error)
	HasWebhookEvent(ctx context.Context, provider, eventID string) (bool, error)
	// RecordWebhookEvent stores a processed event id; false means it was seen before.
	RecordWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (bool, error)
}

// SpendTotal is the settled spend of one user in one currency.
type SpendTotal struct {
	Currency    string `json:"currency"`
	AmountMinor int64  `json:"amount_minor"`
	Count       int    `json:"count"`
}

type billingRepo struct {
	pool *pgxpool.Pool
}

func NewBillingRepo(pool *pgxpool.Pool) BillingRepository {
	return &billingRepo{pool: pool}
}

const billingColumns = `id, user_id, transformation_id, amount_minor, currency, status, gateway_transaction_id, created_at, updated_at`

func scanBilling(row pgx.Row) (*model.BillingRecord, error) {
	var b model.BillingRecord
	if err := row.Scan(&b.ID, &b.UserID, &b.TransformationID, &b.AmountMinor, &b.Currency, &b.Status,
		&b.GatewayTransactionID, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *billingRepo) getOne(ctx context.Context, what, query string, arg any) (*model.BillingRecord, error) {
	b, err := scanBilling(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching billing record by %s: %w", what, err)
	}
	return b, nil
}

func (r *billingRepo) Open(ctx context.Context, rec *model.BillingRecord) (*model.BillingRecord, bool, error) {
	created, err := scanBilling(r.pool.QueryRow(ctx, `
		INSERT INTO billing_records (id, user_id, transformation_id, amount_minor, currency, status)
		VALUES ($1, $2, $3, $4, $5, 'PENDING')
		ON CONFLICT (transformation_id) WHERE status <> 'FAILED' DO NOTHING
		RETURNING `+billingColumns,
		rec.ID, rec.UserID, rec.TransformationID, rec.AmountMinor, rec.Currency))
	if err == nil {
		return created, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("opening billing record for transformation %v: %w", rec.TransformationID, err)
	}
	if rec.TransformationID == nil {
		return nil, false, fmt.Errorf("opening billing record %s: insert skipped without transformation", rec.ID)
	}
	existing, err := r.GetActiveByTransformationID(ctx, *rec.TransformationID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("opening billing record for transformation %s: conflicting record vanished", *rec.TransformationID)
	}
	return existing, true, nil
}

func (r *billingRepo) GetByID(ctx context.Context, id string) (*model.BillingRecord, error) {
	return r.getOne(ctx, "id", `SELECT `+billingColumns+` FROM billing_records WHERE id = $1`, id)
}

func (r *billingRepo) GetByGatewayTransactionID(ctx context.Context, txID string) (*model.BillingRecord, error) {
	return r.getOne(ctx, "gateway transaction", `SELECT `+billingColumns+` FROM billing_records WHERE gateway_transaction_id = $1`, txID)
}

func (r *billingRepo) GetActiveByTransformationID(ctx context.Context, transformationID string) (*model.BillingRecord, error) {
	return r.getOne(ctx, "transformation",
		`SELECT `+billingColumns+` FROM billing_records WHERE transformation_id = $1 AND status <> 'FAILED'`, transformationID)
}

func (r *billingRepo) SetGatewayTransactionID(ctx context.Context, id, txID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE billing_records SET gateway_transaction_id = $2, updated_at = now()
		WHERE id = $1 AND gateway_transaction_id IS NULL`, id, txID)
	if err != nil {
		return false, fmt.Errorf("setting gateway transaction on billing record %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *billingRepo) TransitionFromPending(ctx context.Context, id string, to model.BillingStatus, txID *string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE billing_records
		SET status = $2,
		    gateway_transaction_id = COALESCE(gateway_transaction_id, $3),
		    updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`, id, to, txID)
	if err != nil {
		return false, fmt.Errorf("transitioning billing record %s to %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *billingRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.BillingRecord, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM billing_records WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting billing records for user %s: %w", userID, err)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+billingColumns+` FROM billing_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing billing records for user %s: %w", userID, err)
	}
	defer rows.Close()
	var out []*model.BillingRecord
	for rows.Next() {
		b, err := scanBilling(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning billing record: %w", err)
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func (r *billingRepo) SumCompletedByUser(ctx context.Context, userID string) ([]SpendTotal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT currency, COALESCE(SUM(amount_minor), 0), COUNT(*)
		FROM billing_records
		WHERE user_id = $1 AND status = 'COMPLETED'
		GROUP BY currency
		ORDER BY currency`, userID)
	if err != nil {
		return nil, fmt.Errorf("summing billing records for user %s: %w", userID, err)
	}
	defer rows.Close()
	var out []SpendTotal
	for rows.Next() {
		var st SpendTotal
		if err := rows.Scan(&st.Currency, &st.AmountMinor, &st.Count); err != nil {
			return nil, fmt.Errorf("scanning spend total: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *billingRepo) HasWebhookEvent(ctx context.Context, provider, eventID string) (bool, error) {
	var seen bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)`, provider, eventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("checking webhook event %s: %w", eventID, err)
	}
	return seen, nil
}

func (r *billingRepo) RecordWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING`, ev.Provider, ev.EventID, ev.EventType)
	if err != nil {
		return false, fmt.Errorf("recording webhook event %s: %w", ev.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}
