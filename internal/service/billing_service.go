package service

import (
	"context"
	"fmt"
	"time"

	"pixshift/internal/config"
	"pixshift/internal/metrics"
	"pixshift/internal/model"
	"pixshift/internal/pubsub"
	"pixshift/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Metadata keys attached to gateway intents.
const (
	MetadataUserID           = "user_id"
	MetadataTransformationID = "transformation_id"
	MetadataBillingRecordID  = "billing_record_id"
)

type PaymentIntent struct {
	BillingRecordID string `json:"billing_record_id"`
	TransactionID   string `json:"transaction_id"`
	ClientSecret    string `json:"client_secret,omitempty"`
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
}

type BillingHistory struct {
	Records []*model.BillingRecord `json:"records"`
	Total   int                    `json:"total"`
}

// BillingService opens billing records and reconciles them with gateway callbacks. Records only leave
// PENDING through Reconcile.
type BillingService interface {
	OpenForTransformation(ctx context.Context, userID, transformationID string, tier config.PricingTier) (*model.BillingRecord, error)
	CreatePaymentIntent(ctx context.Context, userID, transformationID string) (*PaymentIntent, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	Reconcile(ctx context.Context, ev *GatewayEvent) (bool, error)
	History(ctx context.Context, userID string, limit, offset int) (*BillingHistory, error)
}

type billingService struct {
	repo    repository.BillingRepository
	gateway PaymentGateway
	events  pubsub.Publisher
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewBillingService(repo repository.BillingRepository, gateway PaymentGateway, events pubsub.Publisher, m *metrics.Metrics, logger zerolog.Logger) BillingService {
	if events == nil {
		events = pubsub.NoopPublisher{}
	}
	return &billingService{
		repo:    repo,
		gateway: gateway,
		events:  events,
		metrics: m,
		logger:  logger.With().Str("service", "BillingService").Logger(),
		now:     time.Now,
	}
}

func (s *billingService) OpenForTransformation(ctx context.Context, userID, transformationID string, tier config.PricingTier) (*model.BillingRecord, error) {
	tid := transformationID
	rec, existed, err := s.repo.Open(ctx, &model.BillingRecord{
		ID:               uuid.NewString(),
		UserID:           userID,
		TransformationID: &tid,
		AmountMinor:      tier.Amount,
		Currency:         tier.Currency,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("transformation_id", transformationID).Msg("Failed to open billing record")
		return nil, fmt.Errorf("opening billing record for %s: %w", transformationID, err)
	}
	if existed {
		s.logger.Info().Str("transformation_id", transformationID).Str("billing_record_id", rec.ID).Msg("Billing record already open")
	}
	return rec, nil
}

func (s *billingService) CreatePaymentIntent(ctx context.Context, userID, transformationID string) (*PaymentIntent, error) {
	rec, err := s.repo.GetActiveByTransformationID(ctx, transformationID)
	if err != nil {
		return nil, fmt.Errorf("loading billing record for %s: %w", transformationID, err)
	}
	if rec == nil || rec.UserID != userID {
		return nil, ErrNotBillable
	}
	if rec.Status != model.BillingPending {
		return nil, ErrNotBillable
	}
	out := &PaymentIntent{BillingRecordID: rec.ID, AmountMinor: rec.AmountMinor, Currency: rec.Currency}

	if rec.GatewayTransactionID != nil {
		intent, err := s.gateway.GetIntent(ctx, *rec.GatewayTransactionID)
		if err != nil {
			s.logger.Error().Err(err).Str("billing_record_id", rec.ID).Msg("Failed to fetch payment intent")
			return nil, err
		}
		out.TransactionID, out.ClientSecret = intent.TransactionID, intent.ClientSecret
		return out, nil
	}

	// Concurrent callers share the idempotency key and receive the same intent.
	intent, err := s.gateway.CreateIntent(ctx, IntentParams{
		AmountMinor: rec.AmountMinor,
		Currency:    rec.Currency,
		Metadata: map[string]string{
			MetadataUserID:           userID,
			MetadataTransformationID: transformationID,
			MetadataBillingRecordID:  rec.ID,
		},
		IdempotencyKey: "billing-record-" + rec.ID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("billing_record_id", rec.ID).Msg("Failed to create payment intent")
		return nil, err
	}
	if _, err := s.repo.SetGatewayTransactionID(ctx, rec.ID, intent.TransactionID); err != nil {
		return nil, fmt.Errorf("storing transaction id for %s: %w", rec.ID, err)
	}
	out.TransactionID, out.ClientSecret = intent.TransactionID, intent.ClientSecret
	s.logger.Info().Str("billing_record_id", rec.ID).Str("transaction_id", intent.TransactionID).Msg("Payment intent created")
	return out, nil
}

func (s *billingService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ev, err := s.gateway.ParseEvent(payload, signature)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Rejected webhook")
		s.observe("rejected")
		return err
	}
	log := s.logger.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	seen, err := s.repo.HasWebhookEvent(ctx, s.gateway.Provider(), ev.ID)
	if err != nil {
		return err
	}
	if seen {
		log.Info().Msg("Webhook event already processed")
		s.observe("duplicate")
		return nil
	}
	applied, err := s.Reconcile(ctx, ev)
	if err != nil {
		return err
	}
	if _, err := s.repo.RecordWebhookEvent(ctx, &model.WebhookEvent{
		Provider:  s.gateway.Provider(),
		EventID:   ev.ID,
		EventType: ev.Type,
	}); err != nil {
		// Reconcile only moves PENDING records, so a replay of this event is a no-op.
		log.Error().Err(err).Msg("Failed to record webhook event")
	}
	log.Info().Bool("applied", applied).Msg("Webhook processed")
	return nil
}

func (s *billingService) Reconcile(ctx context.Context, ev *GatewayEvent) (bool, error) {
	if ev.Outcome == "" {
		s.observe("ignored")
		return false, nil
	}
	rec, err := s.findRecord(ctx, ev)
	if err != nil {
		return false, err
	}
	if rec == nil {
		s.logger.Warn().Str("event_id", ev.ID).Str("transaction_id", ev.TransactionID).Msg("No billing record for gateway event")
		s.observe("unmatched")
		return false, nil
	}
	if rec.Status.Terminal() {
		s.observe("noop")
		return false, nil
	}
	var txID *string
	if ev.TransactionID != "" {
		txID = &ev.TransactionID
	}
	applied, err := s.repo.TransitionFromPending(ctx, rec.ID, ev.Outcome, txID)
	if err != nil {
		s.logger.Error().Err(err).Str("billing_record_id", rec.ID).Msg("Failed to reconcile billing record")
		return false, err
	}
	if !applied {
		s.observe("noop")
		return false, nil
	}
	s.observe(string(ev.Outcome))
	s.logger.Info().Str("billing_record_id", rec.ID).Str("status", string(ev.Outcome)).Msg("Billing record reconciled")

	attrs := map[string]string{"status": string(ev.Outcome)}
	if rec.TransformationID != nil {
		attrs[MetadataTransformationID] = *rec.TransformationID
	}
	if _, err := s.events.Publish(ctx, pubsub.Event{
		Type:       pubsub.EventBillingReconciled,
		SubjectID:  rec.UserID,
		ResourceID: rec.ID,
		Attributes: attrs,
		OccurredAt: s.now(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("billing_record_id", rec.ID).Msg("Failed to publish billing event")
	}
	return true, nil
}

// findRecord looks up by gateway transaction id, then by the transformation id in the intent metadata.
func (s *billingService) findRecord(ctx context.Context, ev *GatewayEvent) (*model.BillingRecord, error) {
	if ev.TransactionID != "" {
		rec, err := s.repo.GetByGatewayTransactionID(ctx, ev.TransactionID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if id := ev.Metadata[MetadataBillingRecordID]; id != "" {
		rec, err := s.repo.GetByID(ctx, id)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if tid := ev.Metadata[MetadataTransformationID]; tid != "" {
		return s.repo.GetActiveByTransformationID(ctx, tid)
	}
	return nil, nil
}

func (s *billingService) History(ctx context.Context, userID string, limit, offset int) (*BillingHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	records, total, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("billing history for %s: %w", userID, err)
	}
	if records == nil {
		records = []*model.BillingRecord{}
	}
	return &BillingHistory{Records: records, Total: total}, nil
}

func (s *billingService) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.BillingReconcile.WithLabelValues(outcome).Inc()
	}
}
