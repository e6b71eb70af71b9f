package database

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// PROVISIONING QUEUE OPERATIONS
// ============================================================================

// EnqueueProvisioningTask inserts a durable task. Idempotency: when a task
// with the same idempotency_key already exists, the existing row is
// returned and no new task is created.
func (sc *SupabaseClient) EnqueueProvisioningTask(ctx context.Context, row *ProvisioningTaskRow) (*ProvisioningTaskRow, error) {
	existing, err := sc.GetTaskByIdempotencyKey(ctx, row.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if row.Status == "" {
		row.Status = "pending"
	}
	if row.NextRetryAt == nil {
		now := time.Now().UTC()
		row.NextRetryAt = &now
	}
	var result []ProvisioningTaskRow
	_, err = sc.client.From("provisioning_queue").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return nil, fmt.Errorf("enqueue provisioning task: %w", err)
	}
	if len(result) == 0 {
		return row, nil
	}
	return &result[0], nil
}

// GetTaskByIdempotencyKey resolves a task by its idempotency key, or nil.
func (sc *SupabaseClient) GetTaskByIdempotencyKey(ctx context.Context, key string) (*ProvisioningTaskRow, error) {
	var rows []ProvisioningTaskRow
	_, err := sc.client.From("provisioning_queue").
		Select("*", "", false).
		Eq("idempotency_key", key).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// DuePendingTasks lists pending tasks whose next_retry_at has passed.
func (sc *SupabaseClient) DuePendingTasks(ctx context.Context, now time.Time, limit int) ([]ProvisioningTaskRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []ProvisioningTaskRow
	_, err := sc.client.From("provisioning_queue").
		Select("*", "", false).
		Eq("status", "pending").
		Lte("next_retry_at", now.UTC().Format(time.RFC3339)).
		Limit(limit, "").
		ExecuteTo(&rows)
	return rows, err
}

// ClaimTask CASes a task from pending to in_progress. Returns false when
// another worker won the claim.
func (sc *SupabaseClient) ClaimTask(ctx context.Context, taskID string) (bool, error) {
	update := map[string]interface{}{
		"status":     "in_progress",
		"updated_at": time.Now().UTC(),
	}
	var result []ProvisioningTaskRow
	_, err := sc.client.From("provisioning_queue").
		Update(update, "", "").
		Eq("id", taskID).
		Eq("status", "pending").
		ExecuteTo(&result)
	if err != nil {
		return false, err
	}
	return len(result) > 0, nil
}

// CompleteTask marks a task done.
func (sc *SupabaseClient) CompleteTask(ctx context.Context, taskID string) error {
	update := map[string]interface{}{
		"status":     "done",
		"updated_at": time.Now().UTC(),
	}
	var result []ProvisioningTaskRow
	_, err := sc.client.From("provisioning_queue").
		Update(update, "", "").
		Eq("id", taskID).
		ExecuteTo(&result)
	return err
}

// RetryTask schedules another attempt, or parks the task in dead_letter
// once attempts are exhausted.
func (sc *SupabaseClient) RetryTask(ctx context.Context, taskID string, attemptCount int, nextRetryAt time.Time, lastErr string, deadLetter bool) error {
	update := map[string]interface{}{
		"attempt_count": attemptCount,
		"last_error":    lastErr,
		"updated_at":    time.Now().UTC(),
	}
	if deadLetter {
		update["status"] = "dead_letter"
	} else {
		update["status"] = "pending"
		update["next_retry_at"] = nextRetryAt.UTC()
	}
	var result []ProvisioningTaskRow
	_, err := sc.client.From("provisioning_queue").
		Update(update, "", "").
		Eq("id", taskID).
		ExecuteTo(&result)
	return err
}

// ListProvisioningTasks returns tasks in a status, newest first.
func (sc *SupabaseClient) ListProvisioningTasks(ctx context.Context, status string, limit int) ([]ProvisioningTaskRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := sc.client.From("provisioning_queue").
		Select("*", "", false).
		Order("created_at", nil)
	if status != "" {
		query = query.Eq("status", status)
	}
	var rows []ProvisioningTaskRow
	_, err := query.Limit(limit, "").ExecuteTo(&rows)
	return rows, err
}

// ============================================================================
// CUSTOMER MACHINE OPERATIONS
// ============================================================================

// UpsertCustomerMachine records provisioned compute for a customer.
func (sc *SupabaseClient) UpsertCustomerMachine(ctx context.Context, row *CustomerMachineRow) error {
	var result []CustomerMachineRow
	_, err := sc.client.From("customer_machines").
		Upsert(row, "machine_id", "", "").
		ExecuteTo(&result)
	return err
}

// ListCustomerMachines lists machines for one customer.
func (sc *SupabaseClient) ListCustomerMachines(ctx context.Context, businessID, customerID string) ([]CustomerMachineRow, error) {
	var rows []CustomerMachineRow
	_, err := sc.client.From("customer_machines").
		Select("*", "", false).
		Eq("business_id", businessID).
		Eq("customer_id", customerID).
		ExecuteTo(&rows)
	return rows, err
}

// UpdateMachineState patches one machine's lifecycle state.
func (sc *SupabaseClient) UpdateMachineState(ctx context.Context, machineID, state string) error {
	update := map[string]interface{}{
		"machine_state": state,
		"updated_at":    time.Now().UTC(),
	}
	var result []CustomerMachineRow
	_, err := sc.client.From("customer_machines").
		Update(update, "", "").
		Eq("machine_id", machineID).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// AUDIT LOG OPERATIONS
// ============================================================================

// InsertAuditLog records an admin or key mutation.
func (sc *SupabaseClient) InsertAuditLog(ctx context.Context, row *AuditLogRow) error {
	var result []AuditLogRow
	_, err := sc.client.From("audit_logs").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// ListAuditLogs returns recent audit entries for a business, newest first.
func (sc *SupabaseClient) ListAuditLogs(ctx context.Context, businessID string, limit int) ([]AuditLogRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []AuditLogRow
	_, err := sc.client.From("audit_logs").
		Select("*", "", false).
		Eq("business_id", businessID).
		Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	return rows, err
}
