package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pixshift/internal/apperr"
	"pixshift/internal/lock"
	"pixshift/internal/model"
	"pixshift/internal/pubsub"
	"pixshift/internal/repository"
	"pixshift/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStorage fails Delete for the listed keys.
type flakyStorage struct {
	storage.Storage
	failDelete map[string]bool
}

func (f *flakyStorage) Delete(ctx context.Context, key string) error {
	if f.failDelete[key] {
		return apperr.Transient("storage_unavailable", errors.New("bucket offline"))
	}
	return f.Storage.Delete(ctx, key)
}

// hangingStorage never answers Delete until the caller gives up.
type hangingStorage struct {
	storage.Storage
}

func (hangingStorage) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return apperr.Transient("storage_unavailable", ctx.Err())
}

// purgeOnRead purges a record right after it is read, as a concurrent purge would.
type purgeOnRead struct {
	repository.TransformationRepository
	at time.Time
}

func (r purgeOnRead) GetByID(ctx context.Context, id string) (*model.Transformation, error) {
	t, err := r.TransformationRepository.GetByID(ctx, id)
	if err != nil || t == nil {
		return t, err
	}
	return t, r.TransformationRepository.MarkPurged(ctx, id, r.at)
}

// completed runs a transformation through to COMPLETED.
func (e *engine) completed(t *testing.T, userID string) *model.Transformation {
	t.Helper()
	tr := e.create(t, userID)
	require.NoError(t, e.transformation.Process(context.Background(), tr.ID))
	got := e.get(t, tr.ID)
	require.Equal(t, model.TransformationCompleted, got.Status)
	return got
}

func TestPurgeDeletesBothImagesOnce(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	tr := e.completed(t, "u1")
	original, transformed := *tr.OriginalImageKey, *tr.TransformedImageKey

	require.NoError(t, e.retention.Purge(ctx, tr.ID))

	got := e.get(t, tr.ID)
	assert.True(t, got.Purged())
	assert.Equal(t, e.clock.Now(), *got.DeletedAt)
	assert.False(t, e.exists(t, original))
	assert.False(t, e.exists(t, transformed))

	e.clock.Advance(time.Minute)
	require.NoError(t, e.retention.Purge(ctx, tr.ID))
	again := e.get(t, tr.ID)
	assert.Equal(t, *got.DeletedAt, *again.DeletedAt)
	assert.Len(t, e.events.OfType(pubsub.EventImagesPurged), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Purges.WithLabelValues(TriggerDownload, "noop")))
}

func TestPurgeUnknownTransformation(t *testing.T) {
	e := newEngine(t)
	assert.ErrorIs(t, e.retention.Purge(context.Background(), "missing"), ErrTransformationNotFound)
}

func TestPurgeStorageFailureLeavesRecordUntouched(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	tr := e.completed(t, "u1")
	flaky := &flakyStorage{Storage: e.storage, failDelete: map[string]bool{*tr.OriginalImageKey: true}}
	e.retention.(*retentionService).storage = flaky

	err := e.retention.Purge(ctx, tr.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))

	got := e.get(t, tr.ID)
	assert.Nil(t, got.DeletedAt)
	assert.Equal(t, tr.OriginalImageKey, got.OriginalImageKey)
	assert.Equal(t, tr.TransformedImageKey, got.TransformedImageKey)
	assert.Empty(t, e.events.OfType(pubsub.EventImagesPurged))

	// The retry succeeds once storage recovers.
	flaky.failDelete = nil
	require.NoError(t, e.retention.Purge(ctx, tr.ID))
	assert.True(t, e.get(t, tr.ID).Purged())
	assert.False(t, e.exists(t, *tr.OriginalImageKey))
}

func TestPurgeRemovesOrphanedOutput(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	tr := e.create(t, "u1")
	// A worker that wrote its output but crashed before recording it.
	obj, err := e.storage.Put(ctx, []byte("orphan"), "u1", storage.CategoryTransformation, tr.ID, "image/webp")
	require.NoError(t, err)

	require.NoError(t, e.retention.Purge(ctx, tr.ID))

	assert.False(t, e.exists(t, obj.Key))
	assert.False(t, e.exists(t, *tr.OriginalImageKey))
	assert.True(t, e.get(t, tr.ID).Purged())
}

func TestServeDownloadMarksAndSchedulesPurge(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	tr := e.completed(t, "u1")
	first := e.clock.Now()

	dl, err := e.retention.ServeDownload(ctx, "u1", tr.ID)
	require.NoError(t, err)
	assert.Contains(t, dl.URL, *tr.TransformedImageKey)
	assert.Contains(t, dl.URL, "sig=")
	assert.Equal(t, "image/png", dl.ContentType)
	assert.Equal(t, first.Add(time.Hour), dl.ExpiresAt)

	e.clock.Advance(10 * time.Second)
	_, err = e.retention.ServeDownload(ctx, "u1", tr.ID)
	require.NoError(t, err)
	got := e.get(t, tr.ID)
	require.NotNil(t, got.DownloadedAt)
	assert.Equal(t, first, *got.DownloadedAt)

	// One purge job, hidden until the grace delay passes.
	assert.Equal(t, 1, e.queue.Len(testPurgeQueue))
	msgs, err := e.queue.ReadWithPoll(ctx, testPurgeQueue, time.Minute, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	e.clock.Advance(20 * time.Second)
	msgs, err = e.queue.ReadWithPoll(ctx, testPurgeQueue, time.Minute, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var m TransformationMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &m))
	assert.Equal(t, tr.ID, m.TransformationID)
}

func TestServeDownloadRejections(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	e.addUser(t, "u2", 0, "")
	done := e.completed(t, "u1")
	pending := e.create(t, "u1")
	purged := e.completed(t, "u1")
	require.NoError(t, e.retention.Purge(ctx, purged.ID))

	tests := []struct {
		name   string
		userID string
		id     string
		want   error
	}{
		{"other owner", "u2", done.ID, ErrTransformationNotFound},
		{"unknown id", "u1", "missing", ErrTransformationNotFound},
		{"not completed", "u1", pending.ID, ErrNotDownloadable},
		{"purged", "u1", purged.ID, ErrNotDownloadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.retention.ServeDownload(ctx, tt.userID, tt.id)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Nil(t, e.get(t, done.ID).DownloadedAt)
	assert.Equal(t, 0, e.queue.Len(testPurgeQueue))
}

func TestServeDownloadLosesToConcurrentPurge(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	tr := e.completed(t, "u1")
	rs := e.retention.(*retentionService)
	rs.repo = purgeOnRead{TransformationRepository: rs.repo, at: e.clock.Now()}

	_, err := e.retention.ServeDownload(ctx, "u1", tr.ID)
	assert.ErrorIs(t, err, ErrNotDownloadable)

	got := e.get(t, tr.ID)
	assert.True(t, got.Purged())
	assert.Nil(t, got.DownloadedAt)
	assert.Equal(t, 0, e.queue.Len(testPurgeQueue))
}

func TestSweepPurgesPastRetentionWindow(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	downloaded := e.completed(t, "u1")
	_, err := e.retention.ServeDownload(ctx, "u1", downloaded.ID)
	require.NoError(t, err)

	e.clock.Advance(3 * time.Minute)
	fresh := e.completed(t, "u1")

	e.clock.Advance(3 * time.Minute)
	res, err := e.retention.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	assert.Equal(t, 0, res.Failed)
	assert.True(t, e.get(t, downloaded.ID).Purged())
	assert.False(t, e.get(t, fresh.ID).Purged())
	assert.True(t, e.exists(t, *fresh.TransformedImageKey))

	// A later sweep finds nothing new to do for the purged record.
	e.clock.Advance(time.Minute)
	res, err = e.retention.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Purged)
	assert.Len(t, e.events.OfType(pubsub.EventImagesPurged), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.SweepRuns.WithLabelValues("ok")))
}

func TestSweepWalksEveryBatch(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	for i := 0; i < 5; i++ {
		e.completed(t, "u1")
	}
	e.clock.Advance(6 * time.Minute)

	res, err := e.retention.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Scanned)
	assert.Equal(t, 5, res.Purged)

	left, err := e.store.Transformations().ListUnpurgedByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweepCountsFailuresAndContinues(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	bad := e.completed(t, "u1")
	good := e.completed(t, "u1")
	e.retention.(*retentionService).storage = &flakyStorage{
		Storage:    e.storage,
		failDelete: map[string]bool{*bad.TransformedImageKey: true},
	}
	e.clock.Advance(6 * time.Minute)

	res, err := e.retention.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, e.get(t, bad.ID).Purged())
	assert.True(t, e.get(t, good.ID).Purged())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.SweepRuns.WithLabelValues("partial")))
}

func TestSweepReachesRecordsBehindPersistentFailures(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	fail := map[string]bool{}
	// A full batch of older records that can never be deleted.
	for i := 0; i < 2; i++ {
		bad := e.completed(t, "u1")
		fail[*bad.TransformedImageKey] = true
	}
	e.clock.Advance(time.Minute)
	good := e.completed(t, "u1")
	e.retention.(*retentionService).storage = &flakyStorage{Storage: e.storage, failDelete: fail}
	e.clock.Advance(6 * time.Minute)

	res, err := e.retention.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Purged)
	assert.True(t, e.get(t, good.ID).Purged())

	// The failing records are retried on every run without being counted twice.
	res, err = e.retention.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Failed)
}

func TestSweepGivesUpOnHungStorage(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	stuck := e.completed(t, "u1")
	rs := e.retention.(*retentionService)
	rs.storage = hangingStorage{Storage: e.storage}
	rs.cfg.PurgeTimeout = 20 * time.Millisecond
	e.clock.Advance(6 * time.Minute)

	done := make(chan *SweepResult, 1)
	go func() {
		res, err := e.retention.Sweep(ctx)
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, 1, res.Failed)
	case <-time.After(5 * time.Second):
		t.Fatal("sweep blocked on storage")
	}
	assert.False(t, e.get(t, stuck.ID).Purged())

	// The guard was released, so the next run is not refused.
	rs.storage = e.storage
	res, err := e.retention.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
}

func TestSweepDeletesExpiredTokens(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.tokens.Issue(ctx, "a@example.com", time.Minute)
	require.NoError(t, err)
	_, err = e.tokens.Issue(ctx, "b@example.com", time.Hour)
	require.NoError(t, err)
	e.clock.Advance(2 * time.Minute)

	res, err := e.retention.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.TokensDeleted)
}

func TestSweepRefusesToOverlap(t *testing.T) {
	t.Run("in process", func(t *testing.T) {
		e := newEngine(t)
		rs := e.retention.(*retentionService)
		rs.sweeping.Store(true)

		_, err := e.retention.Sweep(context.Background())
		assert.ErrorIs(t, err, ErrSweepInProgress)

		rs.sweeping.Store(false)
		_, err = e.retention.Sweep(context.Background())
		assert.NoError(t, err)
	})

	t.Run("across processes", func(t *testing.T) {
		e := newEngine(t)
		ctx := context.Background()
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		locker := lock.NewRedisLocker(client, "pixshift:")
		e.retention.(*retentionService).locker = locker

		other, err := locker.Acquire(ctx, sweepLockName, time.Minute)
		require.NoError(t, err)
		_, err = e.retention.Sweep(ctx)
		assert.ErrorIs(t, err, ErrSweepInProgress)
		assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.SweepRuns.WithLabelValues("skipped")))

		require.NoError(t, other.Release(ctx))
		_, err = e.retention.Sweep(ctx)
		require.NoError(t, err)
		// The sweep released its own lease.
		again, err := locker.Acquire(ctx, sweepLockName, time.Minute)
		require.NoError(t, err)
		require.NoError(t, again.Release(ctx))
	})
}

func TestPurgeSubject(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addUser(t, "u1", 0, "")
	e.addUser(t, "u2", 0, "")
	a := e.completed(t, "u1")
	b := e.create(t, "u1")
	keep := e.completed(t, "u2")

	n, err := e.retention.PurgeSubject(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, e.get(t, a.ID).Purged())
	assert.True(t, e.get(t, b.ID).Purged())
	assert.False(t, e.get(t, keep.ID).Purged())

	n, err = e.retention.PurgeSubject(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, ev := range e.events.OfType(pubsub.EventImagesPurged) {
		assert.Equal(t, TriggerSession, ev.Attributes["trigger"])
	}
}
