package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/interfaces"
	"github.com/bobmcallan/crawlq/internal/models"
)

func newTestService(store *mockStore, bus *mockBus, mode common.WaitMode) *Service {
	// A typed-nil *mockBus must not sneak into the interface field.
	var b interfaces.Bus
	if bus != nil {
		b = bus
	}
	return NewService(store, b, Options{
		QueueName: "scrape",
		WaitMode:  mode,
	}, common.NewSilentLogger())
}

func TestAddJobNormalizesOwner(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModePoll)

	job, err := svc.AddJob(context.Background(), AddJobRequest{
		ID:      uuid.New(),
		OwnerID: "team-acme",
	})
	require.NoError(t, err)
	require.NotNil(t, job.OwnerID)
	assert.Equal(t, common.NormalizeOwnerID("team-acme"), *job.OwnerID)

	// The same external identifier always maps to the same uuid.
	again, err := svc.AddJob(context.Background(), AddJobRequest{
		ID:      uuid.New(),
		OwnerID: "team-acme",
	})
	require.NoError(t, err)
	assert.Equal(t, *job.OwnerID, *again.OwnerID)
}

func TestAddJobStampsListenChannel(t *testing.T) {
	store := newMockStore()

	poll := newTestService(store, nil, common.WaitModePoll)
	job, err := poll.AddJob(context.Background(), AddJobRequest{ID: uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, job.ListenChannelID)

	listen := newTestService(store, nil, common.WaitModeListen)
	job, err = listen.AddJob(context.Background(), AddJobRequest{ID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, "main", job.ListenChannelID)
}

func TestTryAddJobDuplicateReturnsExisting(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModePoll)
	id := uuid.New()

	first, created, err := svc.TryAddJob(context.Background(), AddJobRequest{ID: id, Data: []byte(`{"url":"a"}`)})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.TryAddJob(context.Background(), AddJobRequest{ID: id})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"url":"a"}`, string(second.Data))
}

func TestGetJobToProcessPrefersBus(t *testing.T) {
	store := newMockStore()
	bus := newMockBus()
	svc := newTestService(store, bus, common.WaitModeListen)

	prefetched := models.NewJob(models.JobOptions{ID: uuid.New()})
	require.NoError(t, bus.PublishPrefetch(context.Background(), prefetched))

	job, err := svc.GetJobToProcess(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, prefetched.ID, job.ID)
}

func TestGetJobToProcessFallsBackToStore(t *testing.T) {
	store := newMockStore()
	bus := newMockBus()
	bus.getErr = assert.AnError
	svc := newTestService(store, bus, common.WaitModeListen)

	dispatched := models.NewJob(models.JobOptions{ID: uuid.New()})
	store.dispatchFn = func(ctx context.Context, limit int) ([]*models.Job, error) {
		assert.Equal(t, 1, limit)
		return []*models.Job{dispatched}, nil
	}

	job, err := svc.GetJobToProcess(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, dispatched.ID, job.ID)
}

func TestGetJobToProcessEmptyQueue(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModePoll)

	job, err := svc.GetJobToProcess(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobFinishLostLock(t *testing.T) {
	store := newMockStore()
	store.finishFn = func(ctx context.Context, id, lock uuid.UUID, rv json.RawMessage) (*models.JobNotice, error) {
		return nil, nil
	}
	svc := newTestService(store, nil, common.WaitModePoll)

	ok, err := svc.JobFinish(context.Background(), uuid.New(), uuid.New(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobFinishPublishesNotice(t *testing.T) {
	store := newMockStore()
	bus := newMockBus()
	id := uuid.New()
	store.finishFn = func(ctx context.Context, jobID, lock uuid.UUID, rv json.RawMessage) (*models.JobNotice, error) {
		return &models.JobNotice{JobID: jobID, Status: models.StatusCompleted, ListenChannelID: "other-process"}, nil
	}
	svc := newTestService(store, bus, common.WaitModeListen)

	ok, err := svc.JobFinish(context.Background(), id, uuid.New(), []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, ok)

	notices := bus.publishedNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, id, notices[0].JobID)
	assert.Equal(t, models.StatusCompleted, notices[0].Status)
}

func TestPrefetchJobsPublishesBatch(t *testing.T) {
	store := newMockStore()
	bus := newMockBus()
	svc := newTestService(store, bus, common.WaitModeListen)

	store.dispatchFn = func(ctx context.Context, limit int) ([]*models.Job, error) {
		assert.Equal(t, 100, limit)
		return []*models.Job{
			models.NewJob(models.JobOptions{ID: uuid.New()}),
			models.NewJob(models.JobOptions{ID: uuid.New()}),
		}, nil
	}

	n, err := svc.PrefetchJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, bus.prefetched, 2)
}

func TestPrefetchJobsWithoutBus(t *testing.T) {
	store := newMockStore()
	store.dispatchFn = func(ctx context.Context, limit int) ([]*models.Job, error) {
		t.Fatal("store dispatch must not run without a bus")
		return nil, nil
	}
	svc := newTestService(store, nil, common.WaitModePoll)

	n, err := svc.PrefetchJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddGroupNormalizesOwner(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModePoll)

	group, err := svc.AddGroup(context.Background(), uuid.New(), "team-acme", time.Hour, nil)
	require.NoError(t, err)
	require.NotNil(t, group.OwnerID)
	assert.Equal(t, common.NormalizeOwnerID("team-acme"), *group.OwnerID)
	require.NotNil(t, group.ExpiresAt)

	groups, err := svc.GetOngoingByOwner(context.Background(), "team-acme")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, group.ID, groups[0].ID)
}
