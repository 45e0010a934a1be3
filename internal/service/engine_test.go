package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"pixshift/internal/config"
	"pixshift/internal/metrics"
	"pixshift/internal/model"
	"pixshift/internal/pgmq"
	"pixshift/internal/pubsub"
	"pixshift/internal/repository/memory"
	"pixshift/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testTransformQueue = "transform_queue"
	testPurgeQueue     = "purge_queue"
)

// scriptedTransformer fails with the queued errors in order, then echoes the input back reversed.
type scriptedTransformer struct {
	mu    sync.Mutex
	errs  []error
	calls int
	// before runs at the start of every call, outside the lock.
	before func()
}

func (f *scriptedTransformer) Transform(_ context.Context, req TransformRequest) (*TransformResult, error) {
	if f.before != nil {
		f.before()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	out := make([]byte, len(req.Image))
	for i, b := range req.Image {
		out[len(out)-1-i] = b
	}
	return &TransformResult{Image: out, MimeType: "image/png"}, nil
}

func (f *scriptedTransformer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type engine struct {
	store       *memory.Store
	storage     *storage.LocalStore
	queue       *pgmq.MemoryQueue
	transformer *scriptedTransformer
	events      *pubsub.RecordingPublisher
	metrics     *metrics.Metrics
	clock       *clock

	ledger         LedgerService
	billing        BillingService
	transformation TransformationService
	retention      RetentionService
	tokens         TokenService
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	local, err := storage.NewLocalStore(t.TempDir(), "http://localhost/v1/images", "signing-key")
	require.NoError(t, err)
	catalog, err := config.LoadPricingCatalog("")
	require.NoError(t, err)

	e := &engine{
		store:       memory.NewStore(),
		storage:     local,
		queue:       pgmq.NewMemoryQueue(),
		transformer: &scriptedTransformer{},
		events:      &pubsub.RecordingPublisher{},
		metrics:     metrics.New(),
		clock:       &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	e.store.SetClock(e.clock.Now)
	e.queue.SetClock(e.clock.Now)

	logger := zerolog.Nop()
	e.ledger = NewLedgerService(e.store.Usage(), 5, e.metrics, logger)
	e.billing = NewBillingService(e.store.Billing(), &fakeGateway{}, e.events, e.metrics, logger)
	ts := NewTransformationService(TransformationDeps{
		Transformations: e.store.Transformations(),
		Types:           e.store.Types(),
		Users:           e.store.Users(),
		Storage:         local,
		Ledger:          e.ledger,
		Billing:         e.billing,
		Catalog:         catalog,
		Transformer:     e.transformer,
		Queue:           NewJobQueue(e.queue, testTransformQueue),
		Events:          e.events,
		Metrics:         e.metrics,
	}, logger)
	ts.(*transformationService).now = e.clock.Now
	e.transformation = ts

	tokens := NewTokenService(e.store.Tokens(), logger)
	tokens.(*tokenService).now = e.clock.Now
	e.tokens = tokens

	rs := NewRetentionService(RetentionDeps{
		Transformations: e.store.Transformations(),
		Tokens:          tokens,
		Storage:         local,
		Scheduler:       NewPurgeScheduler(e.queue, testPurgeQueue),
		Events:          e.events,
		Metrics:         e.metrics,
	}, RetentionConfig{
		Window:       5 * time.Minute,
		BatchSize:    2,
		GraceDelay:   30 * time.Second,
		SignedURLTTL: time.Hour,
	}, logger)
	rs.(*retentionService).now = e.clock.Now
	e.retention = rs

	e.store.PutType(&model.TransformationType{ID: "cartoon", Name: "Cartoon", PromptTemplate: "Redraw as a cartoon. {{prompt}}", Enabled: true})
	e.store.PutType(&model.TransformationType{ID: "retired", Name: "Retired", Enabled: false})
	return e
}

// addUser creates a user with the given usage and optional tier.
func (e *engine) addUser(t *testing.T, id string, used int, tier string) {
	t.Helper()
	u := &model.User{ID: id, Email: id + "@example.com", FreeTierUsed: used}
	if tier != "" {
		u.PricingTier = &tier
	}
	require.NoError(t, e.store.Users().CreateUser(context.Background(), u))
}

// upload stores an original image and returns its key.
func (e *engine) upload(t *testing.T, userID, id string) string {
	t.Helper()
	obj, err := e.storage.Put(context.Background(), []byte("original-bytes"), userID, storage.CategoryUpload, id, "image/jpeg")
	require.NoError(t, err)
	return obj.Key
}

// create submits a transformation of a fresh upload.
func (e *engine) create(t *testing.T, userID string) *model.Transformation {
	t.Helper()
	key := e.upload(t, userID, uuid.NewString())
	tr, err := e.transformation.Create(context.Background(), userID, CreateTransformationInput{ImageRef: key, TypeID: "cartoon", Prompt: "with hats"})
	require.NoError(t, err)
	return tr
}

func (e *engine) get(t *testing.T, id string) *model.Transformation {
	t.Helper()
	tr, err := e.store.Transformations().GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, tr)
	return tr
}

func (e *engine) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := e.storage.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}
