package database

import (
	"context"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// ============================================================================
// SUPABASE CLIENT - Row store access for all TrackTags tables
// ============================================================================

// SupabaseClient wraps the Supabase Go client with all TrackTags operations.
type SupabaseClient struct {
	client *supabase.Client
}

// NewClient creates a Supabase client from explicit credentials.
func NewClient(url, serviceKey string) (*SupabaseClient, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseClient{client: client}, nil
}

// NewClientFromEnv creates a Supabase client from SUPABASE_URL and
// SUPABASE_SERVICE_KEY.
func NewClientFromEnv() (*SupabaseClient, error) {
	return NewClient(os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_SERVICE_KEY"))
}

// Ping verifies row-store connectivity with a cheap single-row select.
func (sc *SupabaseClient) Ping(ctx context.Context) error {
	var rows []BusinessRow
	_, err := sc.client.From("businesses").
		Select("business_id", "", false).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("supabase ping: %w", err)
	}
	return nil
}

// ============================================================================
// BUSINESS OPERATIONS
// ============================================================================

// GetBusiness retrieves a business by ID. Tombstoned rows read as missing.
func (sc *SupabaseClient) GetBusiness(ctx context.Context, businessID string) (*BusinessRow, error) {
	var rows []BusinessRow
	_, err := sc.client.From("businesses").
		Select("*", "", false).
		Eq("business_id", businessID).
		ExecuteTo(&rows)

	if err != nil {
		return nil, fmt.Errorf("failed to get business: %w", err)
	}
	if len(rows) == 0 || rows[0].DeletedAt != nil {
		return nil, nil
	}
	return &rows[0], nil
}

// CreateBusiness creates a new business.
func (sc *SupabaseClient) CreateBusiness(ctx context.Context, row *BusinessRow) error {
	var result []BusinessRow
	_, err := sc.client.From("businesses").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// UpdateBusiness updates a business row.
func (sc *SupabaseClient) UpdateBusiness(ctx context.Context, row *BusinessRow) error {
	var result []BusinessRow
	_, err := sc.client.From("businesses").
		Update(row, "", "").
		Eq("business_id", row.BusinessID).
		ExecuteTo(&result)
	return err
}

// SoftDeleteBusiness tombstones a business with a purge grace window.
func (sc *SupabaseClient) SoftDeleteBusiness(ctx context.Context, businessID string, graceDays int) error {
	now := time.Now().UTC()
	purge := now.AddDate(0, 0, graceDays)
	update := map[string]interface{}{
		"deleted_at":  now,
		"purge_after": purge,
	}
	var result []BusinessRow
	_, err := sc.client.From("businesses").
		Update(update, "", "").
		Eq("business_id", businessID).
		ExecuteTo(&result)
	return err
}

// ListBusinesses lists live businesses.
func (sc *SupabaseClient) ListBusinesses(ctx context.Context, limit int) ([]BusinessRow, error) {
	var rows []BusinessRow
	_, err := sc.client.From("businesses").
		Select("*", "", false).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	live := rows[:0]
	for _, r := range rows {
		if r.DeletedAt == nil {
			live = append(live, r)
		}
	}
	return live, nil
}

// ListPurgeableBusinesses returns tombstoned businesses whose grace expired.
func (sc *SupabaseClient) ListPurgeableBusinesses(ctx context.Context, before time.Time) ([]BusinessRow, error) {
	var rows []BusinessRow
	_, err := sc.client.From("businesses").
		Select("*", "", false).
		Lt("purge_after", before.UTC().Format(time.RFC3339)).
		ExecuteTo(&rows)
	return rows, err
}

// PurgeBusiness permanently deletes a business row.
func (sc *SupabaseClient) PurgeBusiness(ctx context.Context, businessID string) error {
	_, _, err := sc.client.From("businesses").
		Delete("", "").
		Eq("business_id", businessID).
		Execute()
	return err
}

// ============================================================================
// CUSTOMER OPERATIONS
// ============================================================================

// GetCustomer retrieves a customer by (business_id, customer_id).
func (sc *SupabaseClient) GetCustomer(ctx context.Context, businessID, customerID string) (*CustomerRow, error) {
	var rows []CustomerRow
	_, err := sc.client.From("customers").
		Select("*", "", false).
		Eq("business_id", businessID).
		Eq("customer_id", customerID).
		ExecuteTo(&rows)

	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	if len(rows) == 0 || rows[0].DeletedAt != nil {
		return nil, nil
	}
	return &rows[0], nil
}

// GetCustomerByStripeID resolves a customer from its Stripe customer id.
func (sc *SupabaseClient) GetCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*CustomerRow, error) {
	var rows []CustomerRow
	_, err := sc.client.From("customers").
		Select("*", "", false).
		Eq("stripe_customer_id", stripeCustomerID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0].DeletedAt != nil {
		return nil, nil
	}
	return &rows[0], nil
}

// GetCustomerBySubscriptionID resolves a customer from its Stripe
// subscription id.
func (sc *SupabaseClient) GetCustomerBySubscriptionID(ctx context.Context, subscriptionID string) (*CustomerRow, error) {
	var rows []CustomerRow
	_, err := sc.client.From("customers").
		Select("*", "", false).
		Eq("stripe_subscription_id", subscriptionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0].DeletedAt != nil {
		return nil, nil
	}
	return &rows[0], nil
}

// CreateCustomer creates a customer under a business.
func (sc *SupabaseClient) CreateCustomer(ctx context.Context, row *CustomerRow) error {
	var result []CustomerRow
	_, err := sc.client.From("customers").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// UpdateCustomer updates a customer row.
func (sc *SupabaseClient) UpdateCustomer(ctx context.Context, row *CustomerRow) error {
	var result []CustomerRow
	_, err := sc.client.From("customers").
		Update(row, "", "").
		Eq("business_id", row.BusinessID).
		Eq("customer_id", row.CustomerID).
		ExecuteTo(&result)
	return err
}

// UpdateCustomerSubscription patches only the subscription-related columns.
func (sc *SupabaseClient) UpdateCustomerSubscription(ctx context.Context, businessID, customerID string, patch map[string]interface{}) error {
	var result []CustomerRow
	_, err := sc.client.From("customers").
		Update(patch, "", "").
		Eq("business_id", businessID).
		Eq("customer_id", customerID).
		ExecuteTo(&result)
	return err
}

// ListCustomers lists live customers for a business.
func (sc *SupabaseClient) ListCustomers(ctx context.Context, businessID string, limit int) ([]CustomerRow, error) {
	var rows []CustomerRow
	_, err := sc.client.From("customers").
		Select("*", "", false).
		Eq("business_id", businessID).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	live := rows[:0]
	for _, r := range rows {
		if r.DeletedAt == nil {
			live = append(live, r)
		}
	}
	return live, nil
}

// SoftDeleteCustomer tombstones a customer with a purge grace window.
func (sc *SupabaseClient) SoftDeleteCustomer(ctx context.Context, businessID, customerID string, graceDays int) error {
	now := time.Now().UTC()
	purge := now.AddDate(0, 0, graceDays)
	update := map[string]interface{}{
		"deleted_at":  now,
		"purge_after": purge,
	}
	var result []CustomerRow
	_, err := sc.client.From("customers").
		Update(update, "", "").
		Eq("business_id", businessID).
		Eq("customer_id", customerID).
		ExecuteTo(&result)
	return err
}

// ListPurgeableCustomers returns tombstoned customers whose grace expired.
func (sc *SupabaseClient) ListPurgeableCustomers(ctx context.Context, before time.Time) ([]CustomerRow, error) {
	var rows []CustomerRow
	_, err := sc.client.From("customers").
		Select("*", "", false).
		Lt("purge_after", before.UTC().Format(time.RFC3339)).
		ExecuteTo(&rows)
	return rows, err
}

// PurgeCustomer permanently deletes a customer row.
func (sc *SupabaseClient) PurgeCustomer(ctx context.Context, businessID, customerID string) error {
	_, _, err := sc.client.From("customers").
		Delete("", "").
		Eq("business_id", businessID).
		Eq("customer_id", customerID).
		Execute()
	return err
}

// ============================================================================
// PLAN OPERATIONS
// ============================================================================

// GetPlan retrieves a plan by its id.
func (sc *SupabaseClient) GetPlan(ctx context.Context, planID string) (*PlanRow, error) {
	var rows []PlanRow
	_, err := sc.client.From("plans").
		Select("*", "", false).
		Eq("id", planID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetPlanByPriceID resolves a plan from a Stripe price id within a business.
func (sc *SupabaseClient) GetPlanByPriceID(ctx context.Context, businessID, stripePriceID string) (*PlanRow, error) {
	var rows []PlanRow
	_, err := sc.client.From("plans").
		Select("*", "", false).
		Eq("business_id", businessID).
		Eq("stripe_price_id", stripePriceID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetFreePlan returns the business's distinguished free plan.
func (sc *SupabaseClient) GetFreePlan(ctx context.Context, businessID string) (*PlanRow, error) {
	var rows []PlanRow
	_, err := sc.client.From("plans").
		Select("*", "", false).
		Eq("business_id", businessID).
		Eq("plan_name", "free_plan").
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CreatePlan creates a plan.
func (sc *SupabaseClient) CreatePlan(ctx context.Context, row *PlanRow) (*PlanRow, error) {
	var result []PlanRow
	_, err := sc.client.From("plans").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return row, nil
	}
	return &result[0], nil
}

// ListPlans lists plans for a business.
func (sc *SupabaseClient) ListPlans(ctx context.Context, businessID string) ([]PlanRow, error) {
	var rows []PlanRow
	_, err := sc.client.From("plans").
		Select("*", "", false).
		Eq("business_id", businessID).
		ExecuteTo(&rows)
	return rows, err
}

// ============================================================================
// PLAN LIMIT OPERATIONS
// ============================================================================

// CreatePlanLimit inserts a plan limit row.
func (sc *SupabaseClient) CreatePlanLimit(ctx context.Context, row *PlanLimitRow) (*PlanLimitRow, error) {
	var result []PlanLimitRow
	_, err := sc.client.From("plan_limits").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return row, nil
	}
	return &result[0], nil
}

// GetPlanLimits retrieves limits attached to a plan.
func (sc *SupabaseClient) GetPlanLimits(ctx context.Context, planID string) ([]PlanLimitRow, error) {
	var rows []PlanLimitRow
	_, err := sc.client.From("plan_limits").
		Select("*", "", false).
		Eq("plan_id", planID).
		ExecuteTo(&rows)
	return rows, err
}

// GetBusinessDefaultLimits retrieves business-scope default limits.
func (sc *SupabaseClient) GetBusinessDefaultLimits(ctx context.Context, businessID string) ([]PlanLimitRow, error) {
	var rows []PlanLimitRow
	_, err := sc.client.From("plan_limits").
		Select("*", "", false).
		Eq("business_id", businessID).
		ExecuteTo(&rows)
	return rows, err
}

// GetCustomerOverrideLimits retrieves per-customer override limits.
func (sc *SupabaseClient) GetCustomerOverrideLimits(ctx context.Context, customerID string) ([]PlanLimitRow, error) {
	var rows []PlanLimitRow
	_, err := sc.client.From("plan_limits").
		Select("*", "", false).
		Eq("customer_id", customerID).
		ExecuteTo(&rows)
	return rows, err
}

// DeletePlanLimit removes a plan limit row.
func (sc *SupabaseClient) DeletePlanLimit(ctx context.Context, id string) error {
	_, _, err := sc.client.From("plan_limits").
		Delete("", "").
		Eq("id", id).
		Execute()
	return err
}

// ============================================================================
// GENERIC HELPERS — used by the ops tooling
// ============================================================================

// InsertRow inserts a single row into any table.
func (sc *SupabaseClient) InsertRow(table string, row interface{}) error {
	_, _, err := sc.client.From(table).Insert(row, false, "", "", "").Execute()
	return err
}

// QueryRows queries rows from a table filtered by a single column.
func (sc *SupabaseClient) QueryRows(table, selectCols, filterCol, filterVal string, dest interface{}) error {
	_, err := sc.client.From(table).
		Select(selectCols, "", false).
		Eq(filterCol, filterVal).
		ExecuteTo(dest)
	return err
}

// CountRows does a cheap existence probe on a table.
func (sc *SupabaseClient) CountRows(table string) error {
	var rows []map[string]interface{}
	_, err := sc.client.From(table).
		Select("*", "", false).
		Limit(1, "").
		ExecuteTo(&rows)
	return err
}
