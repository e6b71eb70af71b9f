// Package provisioning drains the durable provisioning_queue table:
// a poll loop claims due tasks and a worker pool executes them against
// the configured compute provider with quadratic retry backoff.
package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/monitoring"
)

const (
	pollInterval = 5 * time.Second
	claimBatch   = 20
)

// QueueDB is the slice of the row store the queue needs.
type QueueDB interface {
	EnqueueProvisioningTask(ctx context.Context, row *database.ProvisioningTaskRow) (*database.ProvisioningTaskRow, error)
	DuePendingTasks(ctx context.Context, now time.Time, limit int) ([]database.ProvisioningTaskRow, error)
	ClaimTask(ctx context.Context, taskID string) (bool, error)
	CompleteTask(ctx context.Context, taskID string) error
	RetryTask(ctx context.Context, taskID string, attemptCount int, nextRetryAt time.Time, lastErr string, deadLetter bool) error
	ListProvisioningTasks(ctx context.Context, status string, limit int) ([]database.ProvisioningTaskRow, error)
	UpsertCustomerMachine(ctx context.Context, row *database.CustomerMachineRow) error
	UpdateMachineState(ctx context.Context, machineID, state string) error
}

// MachineResult is what a provider reports back after executing a task.
type MachineResult struct {
	MachineID string
	State     string
	Region    string
	Metadata  json.RawMessage
}

// Provider executes one provisioning action against a compute backend.
type Provider interface {
	Execute(ctx context.Context, task *database.ProvisioningTaskRow) (*MachineResult, error)
}

// Queue polls provisioning_queue and fans claimed tasks out to workers.
type Queue struct {
	db          QueueDB
	providers   map[string]Provider
	workers     int
	maxAttempts int
	baseBackoff time.Duration
	clock       clockwork.Clock
	metrics     *monitoring.Metrics
	logger      *log.Logger

	tasks chan database.ProvisioningTaskRow
	wg    sync.WaitGroup
}

func NewQueue(db QueueDB, providers map[string]Provider, workers, maxAttempts, baseBackoffSec int, metrics *monitoring.Metrics) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseBackoffSec <= 0 {
		baseBackoffSec = 1
	}
	return &Queue{
		db:          db,
		providers:   providers,
		workers:     workers,
		maxAttempts: maxAttempts,
		baseBackoff: time.Duration(baseBackoffSec) * time.Second,
		clock:       clockwork.NewRealClock(),
		metrics:     metrics,
		logger:      log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
		tasks:       make(chan database.ProvisioningTaskRow, claimBatch),
	}
}

// WithClock swaps the poll clock, for tests.
func (q *Queue) WithClock(clock clockwork.Clock) *Queue {
	q.clock = clock
	return q
}

// Enqueue inserts a durable task. The idempotency key makes repeated
// enqueues of the same logical action collapse onto one row.
func (q *Queue) Enqueue(ctx context.Context, businessID, customerID, action, provider string, payload json.RawMessage) (*database.ProvisioningTaskRow, error) {
	if _, ok := q.providers[provider]; !ok {
		return nil, errs.Validationf("provider", "unknown provider %q", provider)
	}
	row := &database.ProvisioningTaskRow{
		BusinessID:     businessID,
		CustomerID:     customerID,
		Action:         action,
		Provider:       provider,
		Payload:        payload,
		MaxAttempts:    q.maxAttempts,
		IdempotencyKey: fmt.Sprintf("%s|%s|%s|%s", businessID, customerID, provider, action),
	}
	return q.db.EnqueueProvisioningTask(ctx, row)
}

// Start runs the poll loop and worker pool until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.poll(ctx)
	q.logger.Printf("✅ started %d workers, polling every %s", q.workers, pollInterval)
}

// Wait blocks until the poll loop and all workers have exited.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) poll(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.tasks)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.clock.After(pollInterval):
		}

		due, err := q.db.DuePendingTasks(ctx, q.clock.Now().UTC(), claimBatch)
		if err != nil {
			q.logger.Printf("⚠️ listing due tasks: %v", err)
			continue
		}
		q.metrics.SetQueueDepth("pending", float64(len(due)))
		for _, task := range due {
			select {
			case q.tasks <- task:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for task := range q.tasks {
		q.process(ctx, &task)
	}
}

// process claims one task and runs it; losing the claim means another
// worker owns it.
func (q *Queue) process(ctx context.Context, task *database.ProvisioningTaskRow) {
	won, err := q.db.ClaimTask(ctx, task.ID)
	if err != nil {
		q.logger.Printf("⚠️ claiming task %s: %v", task.ID, err)
		return
	}
	if !won {
		return
	}

	provider, ok := q.providers[task.Provider]
	if !ok {
		// Config regression; no amount of retrying will find the provider.
		q.fail(ctx, task, fmt.Errorf("no provider registered for %q", task.Provider), true)
		return
	}

	result, err := provider.Execute(ctx, task)
	if err != nil {
		attempt := task.AttemptCount + 1
		q.fail(ctx, task, err, attempt >= task.MaxAttempts)
		return
	}

	if result != nil && result.MachineID != "" {
		machine := &database.CustomerMachineRow{
			MachineID:    result.MachineID,
			BusinessID:   task.BusinessID,
			CustomerID:   task.CustomerID,
			Provider:     task.Provider,
			MachineState: result.State,
			Region:       result.Region,
			Metadata:     result.Metadata,
		}
		if err := q.db.UpsertCustomerMachine(ctx, machine); err != nil {
			q.logger.Printf("⚠️ recording machine %s: %v", result.MachineID, err)
		}
	}
	if err := q.db.CompleteTask(ctx, task.ID); err != nil {
		q.logger.Printf("⚠️ completing task %s: %v", task.ID, err)
		return
	}
	q.metrics.RecordQueueRetry("completed")
	q.logger.Printf("✅ task %s (%s/%s) done", task.ID, task.Provider, task.Action)
}

// fail reschedules with quadratic backoff or parks the task in
// dead_letter when attempts are exhausted.
func (q *Queue) fail(ctx context.Context, task *database.ProvisioningTaskRow, cause error, deadLetter bool) {
	attempt := task.AttemptCount + 1
	backoff := time.Duration(attempt*attempt) * q.baseBackoff
	next := q.clock.Now().UTC().Add(backoff)

	if err := q.db.RetryTask(ctx, task.ID, attempt, next, cause.Error(), deadLetter); err != nil {
		q.logger.Printf("❌ rescheduling task %s: %v", task.ID, err)
		return
	}
	if deadLetter {
		q.metrics.RecordQueueRetry("dead_letter")
		q.logger.Printf("❌ task %s dead-lettered after %d attempts: %v", task.ID, attempt, cause)
	} else {
		q.metrics.RecordQueueRetry("retried")
		q.logger.Printf("⚠️ task %s attempt %d failed, retry in %s: %v", task.ID, attempt, backoff, cause)
	}
}
