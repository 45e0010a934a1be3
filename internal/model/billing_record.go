package model

import "time"

type BillingStatus string

const (
	BillingPending   BillingStatus = "PENDING"
	BillingCompleted BillingStatus = "COMPLETED"
	BillingFailed    BillingStatus = "FAILED"
)

func (s BillingStatus) Terminal() bool {
	return s == BillingCompleted || s == BillingFailed
}

// BillingRecord is one charge attempt. AmountMinor is in minor currency units.
type BillingRecord struct {
	ID                   string        `db:"id" json:"id"`
	UserID               string        `db:"user_id" json:"user_id"`
	TransformationID     *string       `db:"transformation_id" json:"transformation_id,omitempty"`
	AmountMinor          int64         `db:"amount_minor" json:"amount_minor"`
	Currency             string        `db:"currency" json:"currency"`
	Status               BillingStatus `db:"status" json:"status"`
	GatewayTransactionID *string       `db:"gateway_transaction_id" json:"gateway_transaction_id,omitempty"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// WebhookEvent records a processed gateway event id so replays short-circuit.
type WebhookEvent struct {
	Provider   string    `db:"provider"`
	EventID    string    `db:"event_id"`
	EventType  string    `db:"event_type"`
	ReceivedAt time.Time `db:"received_at"`
}
