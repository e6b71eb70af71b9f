package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracktags/tracktags/internal/database"
)

// fakeQueueDB is an in-memory provisioning_queue.
type fakeQueueDB struct {
	mu       sync.Mutex
	nextID   int
	tasks    map[string]*database.ProvisioningTaskRow
	machines map[string]*database.CustomerMachineRow
}

func newFakeQueueDB() *fakeQueueDB {
	return &fakeQueueDB{
		tasks:    make(map[string]*database.ProvisioningTaskRow),
		machines: make(map[string]*database.CustomerMachineRow),
	}
}

func (f *fakeQueueDB) EnqueueProvisioningTask(_ context.Context, row *database.ProvisioningTaskRow) (*database.ProvisioningTaskRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.IdempotencyKey == row.IdempotencyKey {
			cp := *t
			return &cp, nil
		}
	}
	f.nextID++
	row.ID = fmt.Sprintf("task_%d", f.nextID)
	if row.Status == "" {
		row.Status = "pending"
	}
	if row.NextRetryAt == nil {
		now := time.Now().UTC()
		row.NextRetryAt = &now
	}
	cp := *row
	f.tasks[row.ID] = &cp
	return row, nil
}

func (f *fakeQueueDB) DuePendingTasks(_ context.Context, now time.Time, limit int) ([]database.ProvisioningTaskRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []database.ProvisioningTaskRow
	for _, t := range f.tasks {
		if t.Status == "pending" && t.NextRetryAt != nil && !t.NextRetryAt.After(now) {
			due = append(due, *t)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (f *fakeQueueDB) ClaimTask(_ context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.Status != "pending" {
		return false, nil
	}
	t.Status = "in_progress"
	return true, nil
}

func (f *fakeQueueDB) CompleteTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskID].Status = "done"
	return nil
}

func (f *fakeQueueDB) RetryTask(_ context.Context, taskID string, attemptCount int, nextRetryAt time.Time, lastErr string, deadLetter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.AttemptCount = attemptCount
	t.LastError = lastErr
	if deadLetter {
		t.Status = "dead_letter"
	} else {
		t.Status = "pending"
		t.NextRetryAt = &nextRetryAt
	}
	return nil
}

func (f *fakeQueueDB) ListProvisioningTasks(_ context.Context, status string, _ int) ([]database.ProvisioningTaskRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.ProvisioningTaskRow
	for _, t := range f.tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeQueueDB) UpsertCustomerMachine(_ context.Context, row *database.CustomerMachineRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *row
	f.machines[row.MachineID] = &cp
	return nil
}

func (f *fakeQueueDB) UpdateMachineState(_ context.Context, machineID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.machines[machineID]; ok {
		m.MachineState = state
	}
	return nil
}

func (f *fakeQueueDB) taskStatus(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		return t.Status
	}
	return ""
}

func (f *fakeQueueDB) task(taskID string) database.ProvisioningTaskRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[taskID]
}

func TestEnqueueIsIdempotent(t *testing.T) {
	db := newFakeQueueDB()
	mock := NewMockComputeProvider()
	q := NewQueue(db, map[string]Provider{"mock": mock}, 2, 3, 1, nil)

	payload := json.RawMessage(`{"app_name":"cust-app"}`)
	first, err := q.Enqueue(context.Background(), "biz_1", "cust_1", ActionCreateMachine, "mock", payload)
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), "biz_1", "cust_1", ActionCreateMachine, "mock", payload)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same logical action collapses onto one row")
	assert.Len(t, db.tasks, 1)
}

func TestEnqueueRejectsUnknownProvider(t *testing.T) {
	db := newFakeQueueDB()
	q := NewQueue(db, map[string]Provider{"mock": NewMockComputeProvider()}, 2, 3, 1, nil)

	_, err := q.Enqueue(context.Background(), "biz_1", "cust_1", ActionCreateMachine, "aws", nil)
	require.Error(t, err)
	assert.Empty(t, db.tasks)
}

func TestQueueExecutesAndRecordsMachine(t *testing.T) {
	db := newFakeQueueDB()
	mock := NewMockComputeProvider()
	clock := clockwork.NewFakeClock()
	q := NewQueue(db, map[string]Provider{"mock": mock}, 2, 3, 1, nil).WithClock(clock)

	task, err := q.Enqueue(context.Background(), "biz_1", "cust_1", ActionCreateMachine, "mock",
		json.RawMessage(`{"app_name":"cust-app"}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	clock.BlockUntil(1)
	clock.Advance(pollInterval)

	require.Eventually(t, func() bool {
		return db.taskStatus(task.ID) == "done"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, mock.ExecutedCount())
	db.mu.Lock()
	require.Len(t, db.machines, 1)
	for _, m := range db.machines {
		assert.Equal(t, "biz_1", m.BusinessID)
		assert.Equal(t, "started", m.MachineState)
	}
	db.mu.Unlock()

	cancel()
	q.Wait()
}

func TestQueueRetriesWithBackoffThenDeadLetters(t *testing.T) {
	db := newFakeQueueDB()
	mock := NewMockComputeProvider()
	mock.Err = errors.New("machines api down")
	clock := clockwork.NewFakeClock()
	q := NewQueue(db, map[string]Provider{"mock": mock}, 1, 2, 1, nil).WithClock(clock)

	task, err := q.Enqueue(context.Background(), "biz_1", "cust_1", ActionCreateMachine, "mock",
		json.RawMessage(`{"app_name":"cust-app"}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	// First attempt fails and goes back to pending with backoff.
	require.Eventually(t, func() bool {
		clock.Advance(pollInterval)
		row := db.task(task.ID)
		return row.AttemptCount >= 1
	}, 5*time.Second, 50*time.Millisecond)

	row := db.task(task.ID)
	assert.Contains(t, row.LastError, "machines api down")

	// The second attempt exhausts max_attempts and parks the task.
	require.Eventually(t, func() bool {
		clock.Advance(pollInterval + 5*time.Second)
		return db.taskStatus(task.ID) == "dead_letter"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	q.Wait()
}

func TestUnknownProviderOnTaskDeadLettersImmediately(t *testing.T) {
	db := newFakeQueueDB()
	clock := clockwork.NewFakeClock()
	q := NewQueue(db, map[string]Provider{"mock": NewMockComputeProvider()}, 1, 3, 1, nil).WithClock(clock)

	// A row written before the provider was unregistered.
	now := time.Now().UTC()
	row := &database.ProvisioningTaskRow{
		BusinessID: "biz_1", CustomerID: "cust_1",
		Action: ActionCreateMachine, Provider: "gone",
		MaxAttempts: 3, IdempotencyKey: "stale", NextRetryAt: &now,
	}
	task, err := db.EnqueueProvisioningTask(context.Background(), row)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	clock.BlockUntil(1)
	clock.Advance(pollInterval)
	require.Eventually(t, func() bool {
		return db.taskStatus(task.ID) == "dead_letter"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	q.Wait()
}
