package limits

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
)

func TestMergePrecedence(t *testing.T) {
	overrides := []database.PlanLimitRow{
		{CustomerID: "cust_1", MetricName: "api_calls", LimitValue: 5000, BreachOperator: "gte", BreachAction: "allow_overage"},
	}
	planLimits := []database.PlanLimitRow{
		{PlanID: "plan_pro", MetricName: "api_calls", LimitValue: 1000, BreachOperator: "gte", BreachAction: "deny"},
		{PlanID: "plan_pro", MetricName: "storage_mb", LimitValue: 512, BreachOperator: "gt", BreachAction: "deny"},
	}
	defaults := []database.PlanLimitRow{
		{BusinessID: "biz_1", MetricName: "api_calls", LimitValue: 100, BreachOperator: "gte", BreachAction: "deny"},
		{BusinessID: "biz_1", MetricName: "storage_mb", LimitValue: 64, BreachOperator: "gt", BreachAction: "log"},
		{BusinessID: "biz_1", MetricName: "seats", LimitValue: 3, BreachOperator: "gt", BreachAction: "webhook"},
	}

	effective := Merge(overrides, planLimits, defaults)
	require.Len(t, effective, 3)

	// Customer override beats the plan and the business default.
	assert.Equal(t, float64(5000), effective["api_calls"].Value)
	assert.Equal(t, SourceCustomer, effective["api_calls"].Source)
	assert.Equal(t, core.ActionAllowOverage, effective["api_calls"].Action)

	// Plan limit beats the business default.
	assert.Equal(t, float64(512), effective["storage_mb"].Value)
	assert.Equal(t, SourcePlan, effective["storage_mb"].Source)

	// Business default applies when nothing narrower exists.
	assert.Equal(t, float64(3), effective["seats"].Value)
	assert.Equal(t, SourceBusiness, effective["seats"].Source)
}

func TestEvaluate(t *testing.T) {
	limit := &core.Limit{Value: 1000, Operator: core.OpGTE, Action: core.ActionDeny}

	under := Evaluate(999, limit)
	assert.False(t, under.IsBreached)
	require.NotNil(t, under.Remaining)
	assert.Equal(t, float64(1), *under.Remaining)

	at := Evaluate(1000, limit)
	assert.True(t, at.IsBreached)
	assert.Equal(t, float64(0), *at.Remaining)

	over := Evaluate(1200, limit)
	assert.True(t, over.IsBreached)
	assert.Equal(t, float64(0), *over.Remaining, "remaining never goes negative")

	// No limit, no breach.
	none := Evaluate(1e9, nil)
	assert.False(t, none.IsBreached)
	assert.Nil(t, none.Remaining)

	// Lower-bound operators carry no remaining.
	floor := Evaluate(2, &core.Limit{Value: 5, Operator: core.OpLT, Action: core.ActionWebhook})
	assert.True(t, floor.IsBreached)
	assert.Nil(t, floor.Remaining)
}

type fakeLimitStore struct {
	overrides map[string][]database.PlanLimitRow
	plans     map[string][]database.PlanLimitRow
	defaults  map[string][]database.PlanLimitRow
}

func (f *fakeLimitStore) GetCustomerOverrideLimits(_ context.Context, customerID string) ([]database.PlanLimitRow, error) {
	return f.overrides[customerID], nil
}

func (f *fakeLimitStore) GetPlanLimits(_ context.Context, planID string) ([]database.PlanLimitRow, error) {
	return f.plans[planID], nil
}

func (f *fakeLimitStore) GetBusinessDefaultLimits(_ context.Context, businessID string) ([]database.PlanLimitRow, error) {
	return f.defaults[businessID], nil
}

func TestResolverScopes(t *testing.T) {
	store := &fakeLimitStore{
		overrides: map[string][]database.PlanLimitRow{
			"cust_1": {{CustomerID: "cust_1", MetricName: "api_calls", LimitValue: 9000, BreachOperator: "gte", BreachAction: "deny"}},
		},
		plans: map[string][]database.PlanLimitRow{
			"plan_pro": {{PlanID: "plan_pro", MetricName: "api_calls", LimitValue: 1000, BreachOperator: "gte", BreachAction: "deny"}},
		},
		defaults: map[string][]database.PlanLimitRow{
			"biz_1": {{BusinessID: "biz_1", MetricName: "api_calls", LimitValue: 100, BreachOperator: "gte", BreachAction: "deny"}},
		},
	}
	r := NewResolver(store)
	ctx := context.Background()

	limit, err := r.Resolve(ctx, "biz_1", "cust_1", "plan_pro", "api_calls")
	require.NoError(t, err)
	require.NotNil(t, limit)
	assert.Equal(t, float64(9000), limit.Value)

	// A customer with no override falls through to the plan.
	limit, err = r.Resolve(ctx, "biz_1", "cust_2", "plan_pro", "api_calls")
	require.NoError(t, err)
	require.NotNil(t, limit)
	assert.Equal(t, float64(1000), limit.Value)

	// Business scope sees only defaults.
	limit, err = r.Resolve(ctx, "biz_1", "", "", "api_calls")
	require.NoError(t, err)
	require.NotNil(t, limit)
	assert.Equal(t, float64(100), limit.Value)

	limit, err = r.Resolve(ctx, "biz_1", "", "", "unknown_metric")
	require.NoError(t, err)
	assert.Nil(t, limit)
}
