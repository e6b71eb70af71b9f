package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/errs"
)

// ============================================================================
// METRIC SAMPLES — flush writes and restore reads
// ============================================================================

// FlushBatch commits one tick window's staged batches as a single
// PostgREST insert. Callers clear the staging store only when this
// returns nil.
func (sc *SupabaseClient) FlushBatch(ctx context.Context, batches []core.MetricBatch) error {
	if len(batches) == 0 {
		return nil
	}
	rows := make([]MetricRow, 0, len(batches))
	for _, b := range batches {
		var adapters json.RawMessage
		if b.Adapters != nil {
			raw, err := json.Marshal(b.Adapters)
			if err != nil {
				return fmt.Errorf("marshal adapters for %s: %w", b.MetricName, err)
			}
			adapters = raw
		}
		rows = append(rows, MetricRow{
			BusinessID:    b.BusinessID,
			CustomerID:    b.CustomerID,
			MetricName:    b.MetricName,
			Value:         b.AggregatedValue,
			MetricType:    string(b.MetricType),
			Scope:         string(b.Scope),
			Operation:     string(b.Operation),
			FlushInterval: b.FlushInterval,
			Adapters:      adapters,
			FlushedAt:     b.WindowEnd.UTC(),
		})
	}

	var result []MetricRow
	_, err := sc.client.From("metrics").
		Insert(rows, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("flush %d metric rows: %w", len(rows), err)
	}
	return nil
}

// GetLatestMetricValue returns the most recent flushed sample for one
// metric, or nil when the metric has never flushed.
func (sc *SupabaseClient) GetLatestMetricValue(ctx context.Context, businessID, customerID, metricName string) (*MetricRow, error) {
	query := sc.client.From("metrics").
		Select("*", "", false).
		Eq("business_id", businessID).
		Eq("metric_name", metricName).
		Eq("is_definition", "false")
	if customerID != "" {
		query = query.Eq("customer_id", customerID)
	}
	var rows []MetricRow
	_, err := query.
		Order("flushed_at", nil).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest metric value: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ============================================================================
// METRIC DEFINITIONS — runtime shape rows (is_definition = true)
// ============================================================================

// CreateMetricDefinition persists the runtime shape of a metric.
func (sc *SupabaseClient) CreateMetricDefinition(ctx context.Context, businessID, customerID string, def *core.MetricDefinition) error {
	existing, err := sc.GetMetricDefinition(ctx, businessID, customerID, def.MetricName)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("metric %s: %w", def.MetricName, errs.ErrAlreadyExists)
	}

	scope := core.ScopeBusiness
	if customerID != "" {
		scope = core.ScopeCustomer
	}
	var adapters json.RawMessage
	if def.Adapters != nil {
		raw, err := json.Marshal(def.Adapters)
		if err != nil {
			return fmt.Errorf("marshal adapters: %w", err)
		}
		adapters = raw
	}
	row := MetricRow{
		BusinessID:    businessID,
		CustomerID:    customerID,
		MetricName:    def.MetricName,
		Value:         def.InitialValue,
		MetricType:    string(def.MetricType),
		Scope:         string(scope),
		Operation:     string(def.Operation),
		FlushInterval: def.FlushInterval,
		InitialValue:  def.InitialValue,
		IsDefinition:  true,
		Adapters:      adapters,
		FlushedAt:     time.Now().UTC(),
	}
	if def.Limit != nil {
		row.LimitValue = def.Limit.Value
		row.BreachOperator = string(def.Limit.Operator)
		row.BreachAction = string(def.Limit.Action)
		row.WebhookURLs = def.Limit.WebhookURLs
	}
	var result []MetricRow
	_, err = sc.client.From("metrics").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// GetMetricDefinition loads a persisted metric definition, or nil.
func (sc *SupabaseClient) GetMetricDefinition(ctx context.Context, businessID, customerID, metricName string) (*MetricRow, error) {
	query := sc.client.From("metrics").
		Select("*", "", false).
		Eq("business_id", businessID).
		Eq("metric_name", metricName).
		Eq("is_definition", "true")
	if customerID != "" {
		query = query.Eq("customer_id", customerID)
	}
	var rows []MetricRow
	_, err := query.ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get metric definition: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListMetricDefinitions returns every definition row under a business,
// both business-scope and customer-scope.
func (sc *SupabaseClient) ListMetricDefinitions(ctx context.Context, businessID string) ([]MetricRow, error) {
	var rows []MetricRow
	_, err := sc.client.From("metrics").
		Select("*", "", false).
		Eq("business_id", businessID).
		Eq("is_definition", "true").
		ExecuteTo(&rows)
	return rows, err
}

// Definition converts a definition row back to its runtime shape.
func (r *MetricRow) Definition() (*core.MetricDefinition, error) {
	if !r.IsDefinition {
		return nil, fmt.Errorf("metric row %s is not a definition", r.MetricName)
	}
	op, err := core.ParseOperation(r.Operation)
	if err != nil {
		return nil, err
	}
	mt, err := core.ParseMetricType(r.MetricType)
	if err != nil {
		return nil, err
	}
	def := &core.MetricDefinition{
		MetricName:    r.MetricName,
		Operation:     op,
		MetricType:    mt,
		FlushInterval: r.FlushInterval,
		InitialValue:  r.InitialValue,
	}
	if r.BreachOperator != "" {
		operator, err := core.ParseBreachOperator(r.BreachOperator)
		if err != nil {
			return nil, err
		}
		action, err := core.ParseBreachAction(r.BreachAction)
		if err != nil {
			return nil, err
		}
		def.Limit = &core.Limit{
			Value:       r.LimitValue,
			Operator:    operator,
			Action:      action,
			WebhookURLs: r.WebhookURLs,
			MetricType:  mt,
		}
	}
	if len(r.Adapters) > 0 {
		var adapters core.Adapters
		if err := json.Unmarshal(r.Adapters, &adapters); err != nil {
			return nil, fmt.Errorf("unmarshal adapters for %s: %w", r.MetricName, err)
		}
		def.Adapters = &adapters
	}
	return def, nil
}

// ============================================================================
// CHECKPOINT RPC — atomic upsert-and-increment
// ============================================================================

// IncrementCheckpoint atomically upserts-and-increments a checkpoint
// metric in the row store and returns the post-increment value. This is
// the only durable write path for checkpoint metrics; actor-side
// read-modify-write would lose updates across restarts.
func (sc *SupabaseClient) IncrementCheckpoint(ctx context.Context, businessID, customerID, metricName string, delta float64) (float64, error) {
	body := map[string]interface{}{
		"p_business_id": businessID,
		"p_customer_id": customerID,
		"p_metric_name": metricName,
		"p_delta":       delta,
	}
	resp := sc.client.Rpc("increment_checkpoint", "", body)
	if resp == "" {
		return 0, fmt.Errorf("increment_checkpoint rpc for %s: %w", metricName, errs.ErrUpstreamFailed)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, fmt.Errorf("increment_checkpoint rpc returned %q: %w", resp, errs.ErrUpstreamFailed)
	}
	return value, nil
}

// ============================================================================
// PURGE HELPERS — used by the sweeper
// ============================================================================

// PurgeMetricsForBusiness permanently deletes all metric rows for a business.
func (sc *SupabaseClient) PurgeMetricsForBusiness(ctx context.Context, businessID string) error {
	_, _, err := sc.client.From("metrics").
		Delete("", "").
		Eq("business_id", businessID).
		Execute()
	return err
}

// PurgeMetricsForCustomer permanently deletes a customer's metric rows.
func (sc *SupabaseClient) PurgeMetricsForCustomer(ctx context.Context, businessID, customerID string) error {
	_, _, err := sc.client.From("metrics").
		Delete("", "").
		Eq("business_id", businessID).
		Eq("customer_id", customerID).
		Execute()
	return err
}
