package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/models"
)

func terminalJob(id uuid.UUID, status models.Status, rv json.RawMessage, reason string) *models.Job {
	now := time.Now()
	return &models.Job{
		ID:           id,
		Status:       status,
		ReturnValue:  rv,
		FailedReason: reason,
		CreatedAt:    now,
		FinishedAt:   &now,
	}
}

func TestWaitPollCompleted(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModePoll)
	id := uuid.New()
	store.putJob(terminalJob(id, models.StatusCompleted, []byte(`{"ok":true}`), ""))

	value, err := svc.WaitForJob(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(value))
}

func TestWaitPollFailedCarriesReason(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModePoll)
	id := uuid.New()
	store.putJob(terminalJob(id, models.StatusFailed, nil, "CANCELLED"))

	_, err := svc.WaitForJob(context.Background(), id, time.Second)
	var failed *JobFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, id, failed.JobID)
	assert.Equal(t, "CANCELLED", failed.Reason)
}

func TestWaitPollTimeout(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModePoll)
	id := uuid.New()
	store.putJob(models.NewJob(models.JobOptions{ID: id}))

	start := time.Now()
	_, err := svc.WaitForJob(context.Background(), id, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitPollObservesLaterCompletion(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModePoll)
	id := uuid.New()
	store.putJob(models.NewJob(models.JobOptions{ID: id}))

	go func() {
		time.Sleep(100 * time.Millisecond)
		store.putJob(terminalJob(id, models.StatusCompleted, []byte(`1`), ""))
	}()

	value, err := svc.WaitForJob(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, `1`, string(value))
}

func TestWaitListenAlreadyTerminal(t *testing.T) {
	// Completion before the listener registers must still resolve, via the
	// post-registration store re-read.
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModeListen)
	id := uuid.New()
	store.putJob(terminalJob(id, models.StatusCompleted, []byte(`"done"`), ""))

	value, err := svc.WaitForJob(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(value))
}

func TestWaitListenWokenByNotice(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModeListen)
	id := uuid.New()
	store.putJob(models.NewJob(models.JobOptions{ID: id}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		store.putJob(terminalJob(id, models.StatusCompleted, []byte(`{"n":2}`), ""))
		svc.deliverNotice(models.JobNotice{JobID: id, Status: models.StatusCompleted})
	}()

	value, err := svc.WaitForJob(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(value))
}

func TestWaitListenSpuriousWakeup(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModeListen)
	id := uuid.New()
	store.putJob(models.NewJob(models.JobOptions{ID: id}))

	// A notice for a still-queued job must not resolve the wait.
	go func() {
		time.Sleep(20 * time.Millisecond)
		svc.deliverNotice(models.JobNotice{JobID: id, Status: models.StatusCompleted})
	}()

	_, err := svc.WaitForJob(context.Background(), id, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitListenUnknownJob(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModeListen)

	_, err := svc.WaitForJob(context.Background(), uuid.New(), time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrWaitTimeout))
}

func TestWaiterRegistryCleanup(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModeListen)
	id := uuid.New()
	store.putJob(models.NewJob(models.JobOptions{ID: id}))

	_, err := svc.WaitForJob(context.Background(), id, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	// The registry must not leak entries after the wait returns.
	assert.Empty(t, svc.waitedJobIDs())
}

func TestDrainWaitersFailsPendingWaits(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModeListen)
	id := uuid.New()
	store.putJob(models.NewJob(models.JobOptions{ID: id}))

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.WaitForJob(context.Background(), id, time.Minute)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(svc.waitedJobIDs()) == 1 }, time.Second, 5*time.Millisecond)
	svc.drainWaiters()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrWaitTimeout)
	case <-time.After(time.Second):
		t.Fatal("waiter did not resolve after drain")
	}
}

func TestSweepWaitersFiresTerminalJobs(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, nil, common.WaitModeListen)
	id := uuid.New()
	store.putJob(models.NewJob(models.JobOptions{ID: id}))

	valueCh := make(chan json.RawMessage, 1)
	go func() {
		value, err := svc.WaitForJob(context.Background(), id, time.Minute)
		if err == nil {
			valueCh <- value
		}
	}()

	require.Eventually(t, func() bool { return len(svc.waitedJobIDs()) == 1 }, time.Second, 5*time.Millisecond)

	// Simulate a completion that happened while the listener was down, then
	// the post-reconnect sweep.
	store.putJob(terminalJob(id, models.StatusCompleted, []byte(`"swept"`), ""))
	svc.sweepWaiters(context.Background())

	select {
	case value := <-valueCh:
		assert.Equal(t, `"swept"`, string(value))
	case <-time.After(time.Second):
		t.Fatal("sweep did not wake the waiter")
	}
}
