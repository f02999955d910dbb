package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"library-workers/internal/common/config"
	"library-workers/internal/common/logger"
	"library-workers/internal/models"
	"library-workers/internal/workers/notifications/delivery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var testNow = time.Date(2026, 3, 20, 10, 30, 0, 0, time.UTC)

type fakeStore struct {
	pending     []models.Notification
	failed      []models.Notification
	pendingArgs []int
	idleSince   time.Time
	resetSince  time.Time
	logsCutoff  time.Time
	sentCutoff  time.Time
	err         error
}

func (f *fakeStore) Pending(ctx context.Context, limit int, idleSince time.Time) ([]models.Notification, error) {
	f.pendingArgs = append(f.pendingArgs, limit)
	f.idleSince = idleSince
	if len(f.pending) > limit {
		return f.pending[:limit], f.err
	}
	return f.pending, f.err
}

func (f *fakeStore) ResetFailed(ctx context.Context, since time.Time) ([]models.Notification, error) {
	f.resetSince = since
	return f.failed, f.err
}

func (f *fakeStore) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.logsCutoff = cutoff
	return 4, f.err
}

func (f *fakeStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.sentCutoff = cutoff
	return 2, f.err
}

type fakeQueue struct {
	mu     sync.Mutex
	tasks  []delivery.Task
	failOn int64
}

func (f *fakeQueue) Send(ctx context.Context, queue, routingKey string, body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := body.(delivery.Task)
	if task.NotificationID == f.failOn {
		return errors.New("redis down")
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func notifications(ids ...int64) []models.Notification {
	out := make([]models.Notification, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Notification{ID: id, Status: models.NotificationPending})
	}
	return out
}

func setupJobs(t *testing.T, store *fakeStore, queue *fakeQueue) *Jobs {
	t.Helper()
	policy := DefaultPolicy()
	policy.Now = func() time.Time { return testNow }
	return NewJobs(store, queue, policy, logger.NewTestLogger(t))
}

// ==========================
// Jobs
// ==========================

func TestJobs_ProcessPending_QueuesInOrder(t *testing.T) {
	store := &fakeStore{pending: notifications(3, 5, 8)}
	queue := &fakeQueue{}
	jobs := setupJobs(t, store, queue)

	n, err := jobs.ProcessPending().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{100}, store.pendingArgs)
	assert.Equal(t, testNow.Add(-180*time.Second), store.idleSince)
	assert.Equal(t, []delivery.Task{
		{NotificationID: 3, Attempt: 1},
		{NotificationID: 5, Attempt: 1},
		{NotificationID: 8, Attempt: 1},
	}, queue.tasks)
}

func TestJobs_ProcessPending_ContinuesFromStoredAttempts(t *testing.T) {
	pending := notifications(4)
	pending[0].Attempts = 2
	queue := &fakeQueue{}
	jobs := setupJobs(t, &fakeStore{pending: pending}, queue)

	_, err := jobs.ProcessPending().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []delivery.Task{{NotificationID: 4, Attempt: 3}}, queue.tasks)
}

func TestJobs_ProcessPending_ReportsUnqueueable(t *testing.T) {
	store := &fakeStore{pending: notifications(3, 5, 8)}
	queue := &fakeQueue{failOn: 3}
	jobs := setupJobs(t, store, queue)

	n, err := jobs.ProcessPending().Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue notification 3")
	assert.Equal(t, 2, n)
	require.Len(t, queue.tasks, 2)
	assert.Equal(t, int64(5), queue.tasks[0].NotificationID)
}

func TestJobs_RetryFailed_ReportsUnqueueable(t *testing.T) {
	store := &fakeStore{failed: notifications(11, 12)}
	queue := &fakeQueue{failOn: 12}
	jobs := setupJobs(t, store, queue)

	n, err := jobs.RetryFailed().Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestJobs_RetryFailed_UsesWindow(t *testing.T) {
	store := &fakeStore{failed: notifications(11)}
	queue := &fakeQueue{}
	jobs := setupJobs(t, store, queue)

	n, err := jobs.RetryFailed().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, testNow.Add(-24*time.Hour), store.resetSince)
	assert.Len(t, queue.tasks, 1)
}

func TestJobs_Cleanup(t *testing.T) {
	store := &fakeStore{}
	jobs := setupJobs(t, store, &fakeQueue{})

	n, err := jobs.CleanupLogs().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, testNow.AddDate(0, 0, -30), store.logsCutoff)

	n, err = jobs.CleanupNotifications().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, testNow.AddDate(0, 0, -90), store.sentCutoff)
}

func TestJobs_StoreErrorsSurface(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	jobs := setupJobs(t, store, &fakeQueue{})

	for _, job := range jobs.All() {
		t.Run(job.Name(), func(t *testing.T) {
			_, err := job.Run(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestPolicyFromConfig_KeepsDefaults(t *testing.T) {
	p := PolicyFromConfig(config.MaintenanceConfig{RetryMaxAgeHours: 6}, delivery.Config{MaxAttempts: 3, BaseBackoff: time.Second})
	assert.Equal(t, 6*time.Hour, p.RetryMaxAge)
	assert.Equal(t, 3*time.Second, p.PendingIdle)
	assert.Equal(t, 100, p.PendingBatchSize)
	assert.Equal(t, 90*24*time.Hour, p.SentRetention)
}

// ==========================
// Scheduler
// ==========================

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (c *countingJob) Name() string { return "counting" }

func (c *countingJob) Run(ctx context.Context) (int, error) {
	c.runs.Add(1)
	return 1, c.err
}

func TestScheduler_RunsJobsUntilCancelled(t *testing.T) {
	s := NewScheduler(time.Second, logger.NewTestLogger(t))
	job := &countingJob{}
	s.Every(5*time.Millisecond, job)
	s.Every(0, &countingJob{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return job.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RunOnce_ReportsErrors(t *testing.T) {
	s := NewScheduler(time.Second, logger.NewTestLogger(t))

	_, err := s.RunOnce(context.Background(), &countingJob{err: errors.New("boom")})
	assert.Error(t, err)

	n, err := s.RunOnce(context.Background(), &countingJob{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
