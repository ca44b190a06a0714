package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/crawlq/internal/interfaces"
	"github.com/bobmcallan/crawlq/internal/models"
)

// mockStore is a hand-written in-memory interfaces.Store for service tests.
// Function fields override individual operations; everything else works
// against the jobs map.
type mockStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.Job
	groups map[uuid.UUID]*models.Group

	insertJobFn    func(ctx context.Context, job *models.Job) error
	dispatchFn     func(ctx context.Context, limit int) ([]*models.Job, error)
	finishFn       func(ctx context.Context, id, lock uuid.UUID, rv json.RawMessage) (*models.JobNotice, error)
	failFn         func(ctx context.Context, id, lock uuid.UUID, reason string) (*models.JobNotice, error)
	cancelGroupFn  func(ctx context.Context, id uuid.UUID) (bool, error)
	listenFn       func(ctx context.Context, notices chan<- models.JobNotice) error
}

func newMockStore() *mockStore {
	return &mockStore{
		jobs:   make(map[uuid.UUID]*models.Job),
		groups: make(map[uuid.UUID]*models.Group),
	}
}

func (m *mockStore) putJob(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
}

func (m *mockStore) EnsureSchema(ctx context.Context) error { return nil }

func (m *mockStore) InsertJob(ctx context.Context, job *models.Job) error {
	if m.insertJobFn != nil {
		return m.insertJobFn(ctx, job)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return interfaces.ErrDuplicateJob
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *mockStore) InsertJobs(ctx context.Context, jobs []*models.Job) error {
	for _, job := range jobs {
		if err := m.InsertJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (m *mockStore) DispatchJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if m.dispatchFn != nil {
		return m.dispatchFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockStore) RenewLock(ctx context.Context, id, lock uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Lock == nil || *job.Lock != lock || job.Status != models.StatusActive {
		return false, nil
	}
	now := time.Now()
	job.LockedAt = &now
	return true, nil
}

func (m *mockStore) FinishJob(ctx context.Context, id, lock uuid.UUID, rv json.RawMessage) (*models.JobNotice, error) {
	if m.finishFn != nil {
		return m.finishFn(ctx, id, lock, rv)
	}
	return nil, nil
}

func (m *mockStore) FailJob(ctx context.Context, id, lock uuid.UUID, reason string) (*models.JobNotice, error) {
	if m.failFn != nil {
		return m.failFn(ctx, id, lock, reason)
	}
	return nil, nil
}

func (m *mockStore) ReapExpired(ctx context.Context, leaseTTL time.Duration) (int, error) { return 0, nil }
func (m *mockStore) PromoteBacklog(ctx context.Context, limit int) (int, error)           { return 0, nil }
func (m *mockStore) PromoteJob(ctx context.Context, id uuid.UUID) (bool, error)           { return false, nil }
func (m *mockStore) FailTimedOutBacklog(ctx context.Context) (int, error)                 { return 0, nil }

func (m *mockStore) InsertGroup(ctx context.Context, group *models.Group, caps []models.ConcurrencySetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group.ID] = group
	return nil
}

func (m *mockStore) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[id], nil
}

func (m *mockStore) ListOngoingByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Group
	for _, g := range m.groups {
		if g.OwnerID != nil && *g.OwnerID == ownerID && g.Status == models.GroupStatusActive {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *mockStore) CancelGroup(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.cancelGroupFn != nil {
		return m.cancelGroupFn(ctx, id)
	}
	return false, nil
}

func (m *mockStore) CompleteFinishedGroups(ctx context.Context) (int, error) { return 0, nil }
func (m *mockStore) DeleteExpiredGroups(ctx context.Context) (int, error)    { return 0, nil }

func (m *mockStore) StatusCounts(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, job := range m.jobs {
		counts[string(job.Status)]++
	}
	return counts, nil
}

func (m *mockStore) Ping(ctx context.Context) error { return nil }

func (m *mockStore) Listen(ctx context.Context, notices chan<- models.JobNotice) error {
	if m.listenFn != nil {
		return m.listenFn(ctx, notices)
	}
	<-ctx.Done()
	return nil
}

func (m *mockStore) PoolStats() interfaces.PoolStats { return interfaces.PoolStats{} }
func (m *mockStore) Close()                          {}

// mockBus is a hand-written in-memory interfaces.Bus.
type mockBus struct {
	mu         sync.Mutex
	prefetched []*models.Job
	notices    []models.JobNotice

	getErr     error
	publishErr error
}

func newMockBus() *mockBus { return &mockBus{} }

func (b *mockBus) PublishPrefetch(ctx context.Context, job *models.Job) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefetched = append(b.prefetched, job)
	return nil
}

func (b *mockBus) GetPrefetched(ctx context.Context) (*models.Job, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.prefetched) == 0 {
		return nil, nil
	}
	job := b.prefetched[0]
	b.prefetched = b.prefetched[1:]
	return job, nil
}

func (b *mockBus) PublishNotice(ctx context.Context, notice models.JobNotice) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, notice)
	return nil
}

func (b *mockBus) publishedNotices() []models.JobNotice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.JobNotice(nil), b.notices...)
}

func (b *mockBus) ConsumeNotices(ctx context.Context, channelID string, notices chan<- models.JobNotice) error {
	<-ctx.Done()
	return nil
}

func (b *mockBus) Close() error { return nil }
