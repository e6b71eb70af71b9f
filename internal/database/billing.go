package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// BILLING EVENT OPERATIONS — webhook envelope state machine rows
// ============================================================================

// GetBillingEvent retrieves one event by provider-assigned id, or nil.
func (sc *SupabaseClient) GetBillingEvent(ctx context.Context, eventID string) (*BillingEventRow, error) {
	var rows []BillingEventRow
	_, err := sc.client.From("billing_events").
		Select("*", "", false).
		Eq("event_id", eventID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// InsertBillingEvent persists an inbound event envelope with status
// pending. event_id is unique at the table level.
func (sc *SupabaseClient) InsertBillingEvent(ctx context.Context, eventID, businessID, eventType string, rawPayload []byte) error {
	row := BillingEventRow{
		EventID:    eventID,
		BusinessID: businessID,
		EventType:  eventType,
		RawPayload: json.RawMessage(rawPayload),
		Status:     "pending",
	}
	var result []BillingEventRow
	_, err := sc.client.From("billing_events").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// TransitionBillingEvent moves an event between states with a CAS on the
// current status; returns false when another worker already moved it.
func (sc *SupabaseClient) TransitionBillingEvent(ctx context.Context, eventID, fromStatus, toStatus string) (bool, error) {
	update := map[string]interface{}{
		"status":     toStatus,
		"updated_at": time.Now().UTC(),
	}
	if toStatus == "completed" {
		update["processed_at"] = time.Now().UTC()
	}
	var result []BillingEventRow
	_, err := sc.client.From("billing_events").
		Update(update, "", "").
		Eq("event_id", eventID).
		Eq("status", fromStatus).
		ExecuteTo(&result)
	if err != nil {
		return false, err
	}
	return len(result) > 0, nil
}

// FailBillingEvent records a processing failure. Retryable failures go
// back to pending with a bumped retry_count; terminal ones stay failed.
func (sc *SupabaseClient) FailBillingEvent(ctx context.Context, eventID string, retryCount int, errMsg string, terminal bool) error {
	status := "pending"
	if terminal {
		status = "failed"
	}
	update := map[string]interface{}{
		"status":        status,
		"retry_count":   retryCount,
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	}
	var result []BillingEventRow
	_, err := sc.client.From("billing_events").
		Update(update, "", "").
		Eq("event_id", eventID).
		ExecuteTo(&result)
	return err
}

// ListBillingEvents returns events in a given status, newest first.
// This backs the ops DLQ view.
func (sc *SupabaseClient) ListBillingEvents(ctx context.Context, status string, limit int) ([]BillingEventRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := sc.client.From("billing_events").
		Select("*", "", false).
		Order("created_at", nil)
	if status != "" {
		query = query.Eq("status", status)
	}
	var rows []BillingEventRow
	_, err := query.Limit(limit, "").ExecuteTo(&rows)
	return rows, err
}

// ============================================================================
// RECONCILIATION RECORDS
// ============================================================================

// InsertReconciliationRecord stores the outcome of one reconcile pass.
func (sc *SupabaseClient) InsertReconciliationRecord(ctx context.Context, row *ReconciliationRow) error {
	var result []ReconciliationRow
	_, err := sc.client.From("reconciliation").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// ListReconciliationRecords returns recent passes, newest first.
func (sc *SupabaseClient) ListReconciliationRecords(ctx context.Context, limit int) ([]ReconciliationRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []ReconciliationRow
	_, err := sc.client.From("reconciliation").
		Select("*", "", false).
		Order("started_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	return rows, err
}
