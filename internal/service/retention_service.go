package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pixshift/internal/lock"
	"pixshift/internal/metrics"
	"pixshift/internal/model"
	"pixshift/internal/pubsub"
	"pixshift/internal/repository"
	"pixshift/internal/storage"

	"github.com/rs/zerolog"
)

// Purge triggers, used as the metrics and event label.
const (
	TriggerDownload = "download"
	TriggerSweep    = "sweep"
	TriggerSession  = "session"
)

const sweepLockName = "retention-sweep"

type Download struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type SweepResult struct {
	Scanned       int   `json:"scanned"`
	Purged        int   `json:"purged"`
	Failed        int   `json:"failed"`
	TokensDeleted int64 `json:"tokens_deleted"`
}

// RetentionService deletes image bytes and clears their references. Every trigger goes through Purge.
type RetentionService interface {
	// Purge deletes the images of one transformation. Purging an already purged record is a no-op.
	Purge(ctx context.Context, id string) error
	ServeDownload(ctx context.Context, userID, id string) (*Download, error)
	// Sweep purges every record past the retention window. It returns ErrSweepInProgress while
	// another sweep runs.
	Sweep(ctx context.Context) (*SweepResult, error)
	// PurgeSubject purges every unpurged transformation owned by userID.
	PurgeSubject(ctx context.Context, userID string) (int, error)
}

type RetentionConfig struct {
	Window       time.Duration
	BatchSize    int
	GraceDelay   time.Duration
	SignedURLTTL time.Duration
	LockTTL      time.Duration
	// PurgeTimeout bounds the storage work for one record during a sweep or session purge.
	PurgeTimeout time.Duration
}

// ExpiredTokenPruner is implemented by TokenService.
type ExpiredTokenPruner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

type RetentionDeps struct {
	Transformations repository.TransformationRepository
	Tokens          ExpiredTokenPruner
	Storage         storage.Storage
	Scheduler       PurgeScheduler
	// Locker is optional. Without it overlapping sweeps are only prevented within the process.
	Locker  lock.Locker
	Events  pubsub.Publisher
	Metrics *metrics.Metrics
}

type retentionService struct {
	repo      repository.TransformationRepository
	tokens    ExpiredTokenPruner
	storage   storage.Storage
	scheduler PurgeScheduler
	locker    lock.Locker
	events    pubsub.Publisher
	metrics   *metrics.Metrics
	cfg       RetentionConfig
	logger    zerolog.Logger
	now       func() time.Time
	sweeping  atomic.Bool
}

func NewRetentionService(deps RetentionDeps, cfg RetentionConfig, logger zerolog.Logger) RetentionService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.PurgeTimeout <= 0 {
		cfg.PurgeTimeout = 2 * time.Minute
	}
	events := deps.Events
	if events == nil {
		events = pubsub.NoopPublisher{}
	}
	return &retentionService{
		repo:      deps.Transformations,
		tokens:    deps.Tokens,
		storage:   deps.Storage,
		scheduler: deps.Scheduler,
		locker:    deps.Locker,
		events:    events,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With().Str("service", "RetentionService").Logger(),
		now:       time.Now,
	}
}

func (s *retentionService) Purge(ctx context.Context, id string) error {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("loading transformation %s: %w", id, err)
	}
	if t == nil {
		return ErrTransformationNotFound
	}
	_, err = s.purgeWithTimeout(ctx, t, TriggerDownload)
	return err
}

// purge deletes bytes first and updates the record second, so a storage failure leaves the record
// untouched for the next attempt. It reports whether anything changed.
func (s *retentionService) purge(ctx context.Context, t *model.Transformation, trigger string) (bool, error) {
	log := s.logger.With().Str("transformation_id", t.ID).Str("trigger", trigger).Logger()
	if t.Purged() {
		s.observePurge(trigger, "noop")
		return false, nil
	}

	// Without a transformed reference a worker may still be writing the output, or crashed after writing it.
	var orphans []string
	keys := make([]string, 0, 4)
	if t.TransformedImageKey != nil {
		keys = append(keys, *t.TransformedImageKey)
	} else {
		orphans = storage.CandidateKeys(storage.CategoryTransformation, t.UserID, t.ID)
		keys = append(keys, orphans...)
	}
	if t.OriginalImageKey != nil {
		keys = append(keys, *t.OriginalImageKey)
	}
	for _, key := range keys {
		if err := s.storage.Delete(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to delete image")
			s.observePurge(trigger, "error")
			return false, fmt.Errorf("deleting %s of %s: %w", key, t.ID, err)
		}
	}

	if err := s.repo.MarkPurged(ctx, t.ID, s.now()); err != nil {
		log.Error().Err(err).Msg("Failed to mark transformation purged")
		s.observePurge(trigger, "error")
		return false, fmt.Errorf("marking %s purged: %w", t.ID, err)
	}
	// Once deleted_at is set a completing worker discards its output, so a second pass catches
	// anything written while the first was running.
	for _, key := range orphans {
		if err := s.storage.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to delete possible orphan")
		}
	}

	s.observePurge(trigger, "purged")
	log.Info().Msg("Images purged")
	if _, err := s.events.Publish(ctx, pubsub.Event{
		Type:       pubsub.EventImagesPurged,
		SubjectID:  t.UserID,
		ResourceID: t.ID,
		Attributes: map[string]string{"trigger": trigger},
		OccurredAt: s.now(),
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to publish purge event")
	}
	return true, nil
}

// purgeWithTimeout bounds one purge by PurgeTimeout.
func (s *retentionService) purgeWithTimeout(ctx context.Context, t *model.Transformation, trigger string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PurgeTimeout)
	defer cancel()
	return s.purge(ctx, t, trigger)
}

func (s *retentionService) ServeDownload(ctx context.Context, userID, id string) (*Download, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading transformation %s: %w", id, err)
	}
	if t == nil || t.UserID != userID {
		return nil, ErrTransformationNotFound
	}
	if t.Status != model.TransformationCompleted || t.TransformedImageKey == nil {
		return nil, ErrNotDownloadable
	}
	now := s.now()
	if err := s.repo.MarkDownloaded(ctx, id, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Purged between the read and the update.
			return nil, ErrNotDownloadable
		}
		return nil, fmt.Errorf("marking %s downloaded: %w", id, err)
	}
	key := *t.TransformedImageKey
	url, err := s.storage.SignedURL(ctx, key, s.cfg.SignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("signing %s: %w", key, err)
	}
	if t.DownloadedAt == nil && s.scheduler != nil {
		if err := s.scheduler.SchedulePurge(ctx, id, s.cfg.GraceDelay); err != nil {
			// The sweep still purges the record once the retention window passes.
			s.logger.Warn().Err(err).Str("transformation_id", id).Msg("Failed to schedule purge")
		}
	}
	return &Download{URL: url, ContentType: storage.ContentType(key), ExpiresAt: now.Add(s.cfg.SignedURLTTL)}, nil
}

func (s *retentionService) Sweep(ctx context.Context) (*SweepResult, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.observeSweep("skipped")
		return nil, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, sweepLockName, s.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				s.observeSweep("skipped")
				return nil, ErrSweepInProgress
			}
			s.observeSweep("error")
			return nil, fmt.Errorf("acquiring sweep lock: %w", err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to release sweep lock")
			}
		}()
	}

	started := s.now()
	cutoff := started.Add(-s.cfg.Window)
	res := &SweepResult{}
	// The cursor moves past failed records; they stay eligible for the next run.
	var cursor *repository.PurgeCursor
	for {
		batch, err := s.repo.ListEligibleForPurge(ctx, cutoff, cursor, s.cfg.BatchSize)
		if err != nil {
			s.observeSweep("error")
			return res, fmt.Errorf("listing purge candidates: %w", err)
		}
		for _, t := range batch {
			if ctx.Err() != nil {
				s.observeSweep("error")
				return res, ctx.Err()
			}
			res.Scanned++
			changed, err := s.purgeWithTimeout(ctx, t, TriggerSweep)
			if err != nil {
				res.Failed++
				continue
			}
			if changed {
				res.Purged++
			}
		}
		if len(batch) < s.cfg.BatchSize {
			break
		}
		cursor = repository.CursorAfter(batch[len(batch)-1])
	}

	if s.tokens != nil {
		n, err := s.tokens.DeleteExpired(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to delete expired verification tokens")
		}
		res.TokensDeleted = n
	}

	result := "ok"
	if res.Failed > 0 {
		result = "partial"
	}
	s.observeSweep(result)
	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(s.now().Sub(started).Seconds())
	}
	s.logger.Info().Int("scanned", res.Scanned).Int("purged", res.Purged).Int("failed", res.Failed).
		Int64("tokens_deleted", res.TokensDeleted).Msg("Sweep finished")
	return res, nil
}

func (s *retentionService) PurgeSubject(ctx context.Context, userID string) (int, error) {
	list, err := s.repo.ListUnpurgedByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("listing transformations of %s: %w", userID, err)
	}
	purged := 0
	var errs []error
	for _, t := range list {
		changed, err := s.purgeWithTimeout(ctx, t, TriggerSession)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			purged++
		}
	}
	s.logger.Info().Str("user_id", userID).Int("purged", purged).Int("failed", len(errs)).Msg("Purged images of expired session")
	return purged, errors.Join(errs...)
}

func (s *retentionService) observePurge(trigger, result string) {
	if s.metrics != nil {
		s.metrics.Purges.WithLabelValues(trigger, result).Inc()
	}
}

func (s *retentionService) observeSweep(result string) {
	if s.metrics != nil {
		s.metrics.SweepRuns.WithLabelValues(result).Inc()
	}
}
