package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pixshift/internal/apperr"
	"pixshift/internal/config"
	"pixshift/internal/metrics"
	"pixshift/internal/model"
	"pixshift/internal/pubsub"
	"pixshift/internal/repository"
	"pixshift/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type CreateTransformationInput struct {
	ImageRef string
	TypeID   string
	Prompt   string
}

// ReapResult counts what one reaper pass changed.
type ReapResult struct {
	Failed       int `json:"failed"`
	Redispatched int `json:"redispatched"`
}

// TransformationService drives a transformation from PENDING to COMPLETED or FAILED.
type TransformationService interface {
	// Create validates the request, stores a PENDING record and dispatches it to the workers.
	Create(ctx context.Context, userID string, in CreateTransformationInput) (*model.Transformation, error)
	// Process claims a PENDING transformation and runs it to a terminal state. A record that is no longer
	// PENDING yields ErrAlreadyClaimed without side effects.
	Process(ctx context.Context, id string) error
	Get(ctx context.Context, userID, id string) (*model.Transformation, error)
	ListTypes(ctx context.Context) ([]*model.TransformationType, error)
	// ReapStale fails PROCESSING records and re-dispatches PENDING records not updated within olderThan.
	ReapStale(ctx context.Context, olderThan time.Duration, limit int) (*ReapResult, error)
}

// TransformationDeps groups the collaborators of the transformation service.
type TransformationDeps struct {
	Transformations repository.TransformationRepository
	Types           repository.TransformationTypeRepository
	Users           repository.UserRepository
	Storage         storage.Storage
	Ledger          LedgerService
	Billing         BillingService
	Catalog         *config.PricingCatalog
	Transformer     Transformer
	Queue           JobQueue
	Events          pubsub.Publisher
	Metrics         *metrics.Metrics
}

type transformationService struct {
	repo        repository.TransformationRepository
	types       repository.TransformationTypeRepository
	users       repository.UserRepository
	storage     storage.Storage
	ledger      LedgerService
	billing     BillingService
	catalog     *config.PricingCatalog
	transformer Transformer
	queue       JobQueue
	events      pubsub.Publisher
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func NewTransformationService(deps TransformationDeps, logger zerolog.Logger) TransformationService {
	events := deps.Events
	if events == nil {
		events = pubsub.NoopPublisher{}
	}
	return &transformationService{
		repo:        deps.Transformations,
		types:       deps.Types,
		users:       deps.Users,
		storage:     deps.Storage,
		ledger:      deps.Ledger,
		billing:     deps.Billing,
		catalog:     deps.Catalog,
		transformer: deps.Transformer,
		queue:       deps.Queue,
		events:      events,
		metrics:     deps.Metrics,
		logger:      logger.With().Str("service", "TransformationService").Logger(),
		now:         time.Now,
	}
}

func (s *transformationService) Create(ctx context.Context, userID string, in CreateTransformationInput) (*model.Transformation, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", userID, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if _, err := s.enabledType(ctx, in.TypeID); err != nil {
		return nil, err
	}

	key, ok := s.storage.ExtractKey(in.ImageRef)
	if !ok || !storage.OwnedBy(key, storage.CategoryUpload, userID) {
		return nil, ErrInvalidImageRef
	}
	exists, err := s.storage.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking image %s: %w", key, err)
	}
	if !exists {
		return nil, ErrImageNotFound
	}

	// The unit itself is consumed by the worker; this only rejects requests that cannot succeed.
	status, err := s.ledger.GetStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	if status.Exhausted {
		if _, paid := s.paidTier(user); !paid {
			return nil, ErrFreeTierExhausted
		}
	}

	t := &model.Transformation{
		ID:               uuid.NewString(),
		UserID:           userID,
		TypeID:           in.TypeID,
		Prompt:           strings.TrimSpace(in.Prompt),
		OriginalImageKey: &key,
		Status:           model.TransformationPending,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create transformation")
		return nil, fmt.Errorf("creating transformation for %s: %w", userID, err)
	}
	if err := s.queue.Enqueue(ctx, t.ID); err != nil {
		// The reaper re-dispatches PENDING records whose message was lost.
		s.logger.Error().Err(err).Str("transformation_id", t.ID).Msg("Failed to dispatch transformation")
	}
	s.logger.Info().Str("transformation_id", t.ID).Str("user_id", userID).Str("type_id", in.TypeID).Msg("Transformation created")
	return t, nil
}

func (s *transformationService) enabledType(ctx context.Context, typeID string) (*model.TransformationType, error) {
	typ, err := s.types.GetByID(ctx, typeID)
	if err != nil {
		return nil, fmt.Errorf("loading transformation type %s: %w", typeID, err)
	}
	if typ == nil {
		return nil, ErrTypeNotFound
	}
	if !typ.Enabled {
		return nil, ErrTypeDisabled
	}
	return typ, nil
}

// paidTier resolves the user's selected tier, falling back to the catalog default.
func (s *transformationService) paidTier(user *model.User) (config.PricingTier, bool) {
	if s.catalog == nil {
		return config.PricingTier{}, false
	}
	id := user.Tier()
	if id == "" {
		id = s.catalog.DefaultTier
	}
	tier, ok := s.catalog.Lookup(id)
	if !ok || !tier.Paid() {
		return config.PricingTier{}, false
	}
	return tier, true
}

func (s *transformationService) Process(ctx context.Context, id string) error {
	log := s.logger.With().Str("transformation_id", id).Logger()

	claimed, err := s.repo.Claim(ctx, id)
	if err != nil {
		return fmt.Errorf("claiming transformation %s: %w", id, err)
	}
	if !claimed {
		t, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("loading transformation %s: %w", id, err)
		}
		if t == nil {
			return ErrTransformationNotFound
		}
		log.Debug().Str("status", string(t.Status)).Msg("Transformation already claimed")
		return ErrAlreadyClaimed
	}
	started := s.now()

	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return s.fail(ctx, id, "", fmt.Errorf("loading transformation: %w", err))
	}
	if t == nil {
		return ErrTransformationNotFound
	}
	log = log.With().Str("user_id", t.UserID).Logger()
	log.Info().Msg("Processing transformation")

	typ, err := s.enabledType(ctx, t.TypeID)
	if err != nil {
		return s.fail(ctx, id, t.UserID, err)
	}
	user, err := s.users.GetUserByID(ctx, t.UserID)
	if err != nil {
		return s.fail(ctx, id, t.UserID, fmt.Errorf("loading user: %w", err))
	}
	if user == nil {
		return s.fail(ctx, id, t.UserID, ErrUserNotFound)
	}

	free, err := s.ledger.TryConsumeFreeUnit(ctx, t.UserID)
	if err != nil {
		return s.fail(ctx, id, t.UserID, err)
	}
	if !free {
		tier, paid := s.paidTier(user)
		if !paid {
			return s.fail(ctx, id, t.UserID, ErrFreeTierExhausted)
		}
		rec, err := s.billing.OpenForTransformation(ctx, t.UserID, id, tier)
		if err != nil {
			return s.fail(ctx, id, t.UserID, err)
		}
		log.Info().Str("billing_record_id", rec.ID).Str("tier", tier.Name).Msg("Billing record opened")
	}

	if t.OriginalImageKey == nil {
		return s.fail(ctx, id, t.UserID, ErrImageNotFound)
	}
	original, err := s.storage.Get(ctx, *t.OriginalImageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			err = ErrImageNotFound
		}
		return s.fail(ctx, id, t.UserID, err)
	}

	callStarted := s.now()
	res, err := s.transformer.Transform(ctx, TransformRequest{
		Image:    original,
		MimeType: storage.ContentType(*t.OriginalImageKey),
		Prompt:   renderPrompt(typ.PromptTemplate, t.Prompt),
	})
	if s.metrics != nil {
		s.metrics.TransformLatency.Observe(s.now().Sub(callStarted).Seconds())
	}
	if err != nil {
		return s.fail(ctx, id, t.UserID, err)
	}

	obj, err := s.storage.Put(ctx, res.Image, t.UserID, storage.CategoryTransformation, id, res.MimeType)
	if err != nil {
		return s.fail(ctx, id, t.UserID, fmt.Errorf("storing transformed image: %w", err))
	}
	applied, stored, err := s.repo.Complete(ctx, id, obj.Key)
	if err != nil {
		s.discard(ctx, obj.Key)
		return s.fail(ctx, id, t.UserID, fmt.Errorf("completing transformation: %w", err))
	}
	if !applied || !stored {
		// Either another path made the record terminal or it was purged meanwhile. The bytes have no owner.
		s.discard(ctx, obj.Key)
		log.Warn().Bool("applied", applied).Msg("Transformed image discarded")
		if !applied {
			return nil
		}
	}

	s.observe(model.TransformationCompleted)
	log.Info().Dur("elapsed", s.now().Sub(started)).Msg("Transformation completed")
	s.publish(ctx, pubsub.EventTransformationCompleted, t.UserID, id, nil)
	return nil
}

// fail moves the record to FAILED with cause as the error message. A canceled context leaves the
// record PROCESSING for the reaper.
func (s *transformationService) fail(ctx context.Context, id, userID string, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	reason := cause.Error()
	applied, err := s.repo.Fail(ctx, id, reason)
	if err != nil {
		s.logger.Error().Err(err).Str("transformation_id", id).Msg("Failed to mark transformation failed")
		return fmt.Errorf("failing transformation %s: %w", id, err)
	}
	if !applied {
		return nil
	}
	s.observe(model.TransformationFailed)
	s.logger.Warn().Str("transformation_id", id).Str("code", apperr.CodeOf(cause)).Str("reason", reason).Msg("Transformation failed")
	s.publish(ctx, pubsub.EventTransformationFailed, userID, id, map[string]string{"code": apperr.CodeOf(cause)})
	return nil
}

func (s *transformationService) discard(ctx context.Context, key string) {
	if err := s.storage.Delete(ctx, key); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to delete discarded image")
	}
}

func (s *transformationService) observe(status model.TransformationStatus) {
	if s.metrics != nil {
		s.metrics.Transformations.WithLabelValues(string(status)).Inc()
	}
}

func (s *transformationService) publish(ctx context.Context, eventType, userID, id string, attrs map[string]string) {
	if _, err := s.events.Publish(ctx, pubsub.Event{
		Type:       eventType,
		SubjectID:  userID,
		ResourceID: id,
		Attributes: attrs,
		OccurredAt: s.now(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("transformation_id", id).Str("event", eventType).Msg("Failed to publish event")
	}
}

// renderPrompt substitutes {{prompt}} in the type template, or appends the user prompt when the
// template has no placeholder.
func renderPrompt(template, prompt string) string {
	template = strings.TrimSpace(template)
	if strings.Contains(template, "{{prompt}}") {
		return strings.ReplaceAll(template, "{{prompt}}", prompt)
	}
	if prompt == "" {
		return template
	}
	if template == "" {
		return prompt
	}
	return template + "\n\n" + prompt
}

func (s *transformationService) Get(ctx context.Context, userID, id string) (*model.Transformation, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading transformation %s: %w", id, err)
	}
	if t == nil || t.UserID != userID {
		return nil, ErrTransformationNotFound
	}
	return t, nil
}

func (s *transformationService) ListTypes(ctx context.Context) ([]*model.TransformationType, error) {
	types, err := s.types.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing transformation types: %w", err)
	}
	if types == nil {
		types = []*model.TransformationType{}
	}
	return types, nil
}

func (s *transformationService) ReapStale(ctx context.Context, olderThan time.Duration, limit int) (*ReapResult, error) {
	cutoff := s.now().Add(-olderThan)
	res := &ReapResult{}

	stuck, err := s.repo.ListStale(ctx, model.TransformationProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale processing transformations: %w", err)
	}
	for _, t := range stuck {
		applied, err := s.repo.Fail(ctx, t.ID, "processing timed out")
		if err != nil {
			s.logger.Error().Err(err).Str("transformation_id", t.ID).Msg("Failed to reap transformation")
			continue
		}
		if applied {
			res.Failed++
			s.observe(model.TransformationFailed)
			s.publish(ctx, pubsub.EventTransformationFailed, t.UserID, t.ID, map[string]string{"code": "processing_timeout"})
		}
	}

	pending, err := s.repo.ListStale(ctx, model.TransformationPending, cutoff, limit)
	if err != nil {
		return res, fmt.Errorf("listing stale pending transformations: %w", err)
	}
	for _, t := range pending {
		if err := s.queue.Enqueue(ctx, t.ID); err != nil {
			s.logger.Error().Err(err).Str("transformation_id", t.ID).Msg("Failed to re-dispatch transformation")
			continue
		}
		res.Redispatched++
	}
	if res.Failed > 0 || res.Redispatched > 0 {
		s.logger.Info().Int("failed", res.Failed).Int("redispatched", res.Redispatched).Msg("Reaped stale transformations")
	}
	return res, nil
}
