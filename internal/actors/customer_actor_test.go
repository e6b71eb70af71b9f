package actors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/ticker"
)

func startCustomer(t *testing.T, env *testEnv, businessID, customerID string) *CustomerActor {
	t.Helper()
	a, err := NewCustomerActor(env.deps, businessID, customerID)
	require.NoError(t, err)
	go a.Run()
	t.Cleanup(func() { a.Stop() })
	return a
}

func TestCustomerTouchInjectsResolvedLimit(t *testing.T) {
	env := newTestEnv(t)
	env.db.customers["biz_1/cust_1"] = &database.CustomerRow{
		BusinessID: "biz_1", CustomerID: "cust_1", PlanID: "plan_pro",
	}
	env.withLimits(&fakeLimitStore{
		plan: []database.PlanLimitRow{{
			MetricName: "api_calls", LimitValue: 100,
			BreachOperator: "gte", BreachAction: "deny",
		}},
	})

	cust := startCustomer(t, env, "biz_1", "cust_1")
	metric, err := cust.Touch(sumResetDef("api_calls"))
	require.NoError(t, err)

	snap, err := metric.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snap.Limit)
	assert.Equal(t, float64(100), snap.Limit.Value)
	assert.Equal(t, core.ActionDeny, snap.Limit.Action)

	// Touching again returns the same child.
	again, err := cust.Touch(sumResetDef("api_calls"))
	require.NoError(t, err)
	assert.Same(t, metric, again)
}

func TestCustomerRefreshPlanPushesNewLimits(t *testing.T) {
	env := newTestEnv(t)
	env.db.customers["biz_1/cust_1"] = &database.CustomerRow{
		BusinessID: "biz_1", CustomerID: "cust_1", PlanID: "plan_free",
	}
	store := &fakeLimitStore{
		plan: []database.PlanLimitRow{{
			MetricName: "api_calls", LimitValue: 10,
			BreachOperator: "gte", BreachAction: "deny",
		}},
	}
	env.withLimits(store)

	cust := startCustomer(t, env, "biz_1", "cust_1")
	metric, err := cust.Touch(sumResetDef("api_calls"))
	require.NoError(t, err)

	// The plan upgrades; the new cap reaches the live child.
	store.plan = []database.PlanLimitRow{{
		MetricName: "api_calls", LimitValue: 1000,
		BreachOperator: "gte", BreachAction: "deny",
	}}
	require.NoError(t, cust.RefreshPlan())

	snap, err := metric.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snap.Limit)
	assert.Equal(t, float64(1000), snap.Limit.Value)
}

func TestCustomerResetBillingCycle(t *testing.T) {
	env := newTestEnv(t)
	env.db.customers["biz_1/cust_1"] = &database.CustomerRow{
		BusinessID: "biz_1", CustomerID: "cust_1",
	}

	cust := startCustomer(t, env, "biz_1", "cust_1")

	resetDef := sumResetDef("api_calls")
	billingDef := core.MetricDefinition{
		MetricName:    "usage_units",
		Operation:     core.OpSum,
		MetricType:    core.MetricStripeBilling,
		FlushInterval: ticker.Tick1h,
	}
	checkpointDef := core.MetricDefinition{
		MetricName:    "storage_bytes",
		Operation:     core.OpSum,
		MetricType:    core.MetricCheckpoint,
		FlushInterval: ticker.Tick1h,
	}

	resetMetric, err := cust.Touch(resetDef)
	require.NoError(t, err)
	billingMetric, err := cust.Touch(billingDef)
	require.NoError(t, err)
	checkpointMetric, err := cust.Touch(checkpointDef)
	require.NoError(t, err)

	_, _, err = resetMetric.Increment(5)
	require.NoError(t, err)
	_, _, err = billingMetric.Increment(9)
	require.NoError(t, err)
	_, _, err = checkpointMetric.Increment(3)
	require.NoError(t, err)

	require.NoError(t, cust.ResetBillingCycle("invoice.finalized"))

	snap, err := resetMetric.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.Value)

	snap, err = billingMetric.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.Value)

	snap, err = checkpointMetric.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(3), snap.Value, "checkpoints survive billing cycles")

	assert.Equal(t, 2, env.db.flushedCount(), "each reset metric persists its zero sample")
}

func TestCustomerDowngradeToFree(t *testing.T) {
	env := newTestEnv(t)
	env.db.customers["biz_1/cust_1"] = &database.CustomerRow{
		BusinessID: "biz_1", CustomerID: "cust_1", PlanID: "plan_pro",
	}
	env.db.freePlans["biz_1"] = &database.PlanRow{ID: "plan_free", BusinessID: "biz_1", PlanName: "free_plan"}

	cust := startCustomer(t, env, "biz_1", "cust_1")
	require.NoError(t, cust.DowngradeToFree())

	planID, err := cust.PlanID()
	require.NoError(t, err)
	assert.Equal(t, "plan_free", planID)

	require.NotEmpty(t, env.db.patches)
	assert.Equal(t, "plan_free", env.db.patches[0]["plan_id"])
}
