package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/provisioning"
	"github.com/tracktags/tracktags/internal/ticker"
)

func TestCreateBusinessIsAdminOnly(t *testing.T) {
	env := newAPIEnv(t)
	body := map[string]string{"business_id": "biz_2", "business_name": "Acme", "email": "ops@acme.test"}

	w := env.do(http.MethodPost, "/api/v1/businesses", testBizKey, body)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.doAdmin(http.MethodPost, "/api/v1/businesses", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Same id again conflicts.
	w = env.doAdmin(http.MethodPost, "/api/v1/businesses", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetBusinessScopedToOwnKey(t *testing.T) {
	env := newAPIEnv(t)
	env.store.businesses["biz_1"] = &database.BusinessRow{BusinessID: "biz_1", Email: "a@b.test"}
	env.store.businesses["biz_2"] = &database.BusinessRow{BusinessID: "biz_2", Email: "c@d.test"}

	w := env.do(http.MethodGet, "/api/v1/businesses/biz_1", testBizKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/v1/businesses/biz_2", testBizKey, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.doAdmin(http.MethodGet, "/api/v1/businesses/biz_2", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteBusinessSchedulesPurge(t *testing.T) {
	env := newAPIEnv(t)

	w := env.doAdmin(http.MethodDelete, "/api/v1/businesses/biz_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(30), decodeMap(t, w)["grace_days"])
	assert.Contains(t, env.store.softDeleted, "business:biz_1")
}

func TestCustomerLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(http.MethodPost, "/api/v1/customers", testBizKey, map[string]string{
		"customer_id": "cust_2", "customer_name": "Beta Corp", "email": "beta@test",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Business key reads its customers.
	w = env.do(http.MethodGet, "/api/v1/customers/cust_2", testBizKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// A customer key reads only itself.
	env.store.customers["biz_1/cust_1"] = &database.CustomerRow{BusinessID: "biz_1", CustomerID: "cust_1"}
	w = env.do(http.MethodGet, "/api/v1/customers/cust_1", testCustKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(http.MethodGet, "/api/v1/customers/cust_2", testCustKey, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Customer keys cannot delete anyone.
	w = env.do(http.MethodDelete, "/api/v1/customers/cust_2", testCustKey, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodDelete, "/api/v1/customers/cust_2", testBizKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, env.store.softDeleted, "customer:biz_1/cust_2")
}

func TestIssuedKeyAuthenticatesImmediately(t *testing.T) {
	env := newAPIEnv(t)
	env.store.metricDefs[storeKey("biz_1", "", "api_calls")] = definitionRow("biz_1", "", resetSumDef("api_calls"))

	w := env.do(http.MethodPost, "/api/v1/keys", testBizKey, map[string]interface{}{
		"key_type": "business",
		"key_name": "ci-pipeline",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeMap(t, w)
	issued, _ := body["api_key"].(string)
	require.NotEmpty(t, issued)
	assert.Contains(t, body["warning"], "not retrievable")

	// The plaintext works as a bearer key without any cache warmup.
	w = env.do(http.MethodGet, "/api/v1/metrics/api_calls", issued, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCustomerKeyIssuance(t *testing.T) {
	env := newAPIEnv(t)
	env.store.metricDefs[storeKey("biz_1", "cust_1", "jobs")] = definitionRow("biz_1", "cust_1", resetSumDef("jobs"))

	w := env.do(http.MethodPost, "/api/v1/customers/cust_1/keys", testBizKey, map[string]string{
		"key_name": "portal",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decodeMap(t, w)["api_key"].(string)
	require.NotEmpty(t, issued)

	// The issued key is pinned to the customer partition.
	w = env.do(http.MethodGet, "/api/v1/metrics/jobs", issued, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestMetricIncrementAndRead(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(http.MethodPost, "/api/v1/metrics", testBizKey, resetSumDef("api_calls"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(http.MethodPut, "/api/v1/metrics/api_calls", testBizKey, map[string]float64{"value": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(5), decodeMap(t, w)["current_value"])

	w = env.do(http.MethodPut, "/api/v1/metrics/api_calls", testBizKey, map[string]float64{"value": 2.5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(7.5), decodeMap(t, w)["current_value"])

	w = env.do(http.MethodGet, "/api/v1/metrics/api_calls", testBizKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, float64(7.5), body["current_value"])
	assert.Equal(t, "reset", body["metric_type"])
}

func TestMetricIncrementUnknownMetricIs404(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(http.MethodPut, "/api/v1/metrics/ghost", testBizKey, map[string]float64{"value": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCustomerKeyIsPinnedToItsPartition(t *testing.T) {
	env := newAPIEnv(t)
	env.store.metricDefs[storeKey("biz_1", "cust_1", "jobs")] = definitionRow("biz_1", "cust_1", resetSumDef("jobs"))
	env.store.metricDefs[storeKey("biz_1", "", "jobs")] = definitionRow("biz_1", "", resetSumDef("jobs"))

	// The customer key writes its own partition, not the business one.
	w := env.do(http.MethodPut, "/api/v1/metrics/jobs", testCustKey, map[string]float64{"value": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(http.MethodGet, "/api/v1/metrics/jobs", testCustKey, nil)
	assert.Equal(t, float64(3), decodeMap(t, w)["current_value"])

	w = env.do(http.MethodGet, "/api/v1/metrics/jobs", testBizKey, nil)
	assert.Equal(t, float64(0), decodeMap(t, w)["current_value"])
}

func TestBusinessKeyTargetsCustomerScopeExplicitly(t *testing.T) {
	env := newAPIEnv(t)
	env.store.metricDefs[storeKey("biz_1", "cust_1", "jobs")] = definitionRow("biz_1", "cust_1", resetSumDef("jobs"))

	w := env.do(http.MethodPut, "/api/v1/metrics/jobs?scope=customer&customer_id=cust_1", testBizKey,
		map[string]float64{"value": 4})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(4), decodeMap(t, w)["current_value"])

	// customer scope without a customer_id is a validation error.
	w = env.do(http.MethodPut, "/api/v1/metrics/jobs?scope=customer", testBizKey, map[string]float64{"value": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateMetricRejectsPrecisionMode(t *testing.T) {
	env := newAPIEnv(t)
	def := resetSumDef("exact_spend")
	def.Precision = true

	w := env.do(http.MethodPost, "/api/v1/metrics", testBizKey, def)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestCreatePlanAndLimits(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(http.MethodPost, "/api/v1/plans", testBizKey, map[string]string{
		"plan_name": "pro", "stripe_price_id": "price_123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	planID := decodeMap(t, w)["id"].(string)
	require.NotEmpty(t, planID)

	w = env.do(http.MethodPost, "/api/v1/plan_limits", testBizKey, map[string]interface{}{
		"plan_id":         planID,
		"metric_name":     "api_calls",
		"limit_value":     1000,
		"breach_operator": "gte",
		"breach_action":   "deny",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(http.MethodGet, "/api/v1/plan_limits?plan_id="+planID, testBizKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeMap(t, w)["count"])
}

func TestPlanLimitScopeColumns(t *testing.T) {
	env := newAPIEnv(t)

	// No plan and no customer: a business-wide default.
	w := env.do(http.MethodPost, "/api/v1/plan_limits", testBizKey, map[string]interface{}{
		"metric_name":     "api_calls",
		"limit_value":     50,
		"breach_operator": "gte",
		"breach_action":   "deny",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "biz_1", decodeMap(t, w)["business_id"])

	// A customer override clears the business column.
	w = env.do(http.MethodPost, "/api/v1/plan_limits", testBizKey, map[string]interface{}{
		"customer_id":     "cust_1",
		"metric_name":     "api_calls",
		"limit_value":     200,
		"breach_operator": "gte",
		"breach_action":   "allow_overage",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeMap(t, w)
	assert.Equal(t, "cust_1", body["customer_id"])
	assert.Nil(t, body["business_id"])
}

func TestPlanLimitValidation(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(http.MethodPost, "/api/v1/plan_limits", testBizKey, map[string]interface{}{
		"metric_name":     "api_calls",
		"limit_value":     50,
		"breach_operator": "sideways",
		"breach_action":   "deny",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "breach_operator", decodeMap(t, w)["field"])

	w = env.do(http.MethodGet, "/api/v1/plan_limits", testBizKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(http.MethodPost, "/api/v1/customers", testBizKey, map[string]string{
		"customer_id": "cust_9",
		"surprise":    "field",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "body", decodeMap(t, w)["field"])
}

func TestMetricDefinitionRoundTripsAdapters(t *testing.T) {
	env := newAPIEnv(t)
	def := &core.MetricDefinition{
		MetricName:    "billable_calls",
		Operation:     core.OpSum,
		MetricType:    core.MetricStripeBilling,
		FlushInterval: ticker.Tick1h,
		Adapters: &core.Adapters{
			Stripe: &core.StripeAdapter{SubscriptionItemID: "si_7", BatchInterval: ticker.Tick1h},
		},
	}

	w := env.do(http.MethodPost, "/api/v1/metrics", testBizKey, def)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	row := env.store.metricDefs[storeKey("biz_1", "", "billable_calls")]
	require.NotNil(t, row)
	parsed, err := row.Definition()
	require.NoError(t, err)
	require.NotNil(t, parsed.Adapters)
	assert.Equal(t, "si_7", parsed.Adapters.Stripe.SubscriptionItemID)
}

// fakeQueueStore backs the enqueue endpoint; the poll-side methods are
// covered by the provisioning package's own tests.
type fakeQueueStore struct {
	mu    sync.Mutex
	tasks []database.ProvisioningTaskRow
}

func (f *fakeQueueStore) EnqueueProvisioningTask(_ context.Context, row *database.ProvisioningTaskRow) (*database.ProvisioningTaskRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tasks {
		if f.tasks[i].IdempotencyKey == row.IdempotencyKey {
			return &f.tasks[i], nil
		}
	}
	row.ID = fmt.Sprintf("task_%d", len(f.tasks)+1)
	row.Status = "pending"
	f.tasks = append(f.tasks, *row)
	return row, nil
}

func (f *fakeQueueStore) DuePendingTasks(context.Context, time.Time, int) ([]database.ProvisioningTaskRow, error) {
	return nil, nil
}

func (f *fakeQueueStore) ClaimTask(context.Context, string) (bool, error) { return false, nil }

func (f *fakeQueueStore) CompleteTask(context.Context, string) error { return nil }

func (f *fakeQueueStore) RetryTask(context.Context, string, int, time.Time, string, bool) error {
	return nil
}

func (f *fakeQueueStore) ListProvisioningTasks(context.Context, string, int) ([]database.ProvisioningTaskRow, error) {
	return nil, nil
}

func (f *fakeQueueStore) UpsertCustomerMachine(context.Context, *database.CustomerMachineRow) error {
	return nil
}

func (f *fakeQueueStore) UpdateMachineState(context.Context, string, string) error { return nil }

func TestEnqueueProvisioningTask(t *testing.T) {
	env := newAPIEnv(t)

	// Not wired: the endpoint says so instead of half-working.
	w := env.do(http.MethodPost, "/api/v1/provisioning", testBizKey, map[string]string{
		"customer_id": "cust_1", "action": "create_machine", "provider": "mock",
	})
	require.Equal(t, http.StatusNotImplemented, w.Code)

	qdb := &fakeQueueStore{}
	queue := provisioning.NewQueue(qdb, map[string]provisioning.Provider{
		"mock": provisioning.NewMockComputeProvider(),
	}, 1, 3, 1, nil)
	env.srv.AttachQueue(queue)

	w = env.do(http.MethodPost, "/api/v1/provisioning", testBizKey, map[string]string{
		"customer_id": "cust_1", "action": "create_machine", "provider": "mock",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decodeMap(t, w)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "biz_1|cust_1|mock|create_machine", body["idempotency_key"])

	// Same logical request lands on the same durable row.
	w = env.do(http.MethodPost, "/api/v1/provisioning", testBizKey, map[string]string{
		"customer_id": "cust_1", "action": "create_machine", "provider": "mock",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	qdb.mu.Lock()
	assert.Len(t, qdb.tasks, 1)
	qdb.mu.Unlock()

	// Unknown providers are rejected before anything is persisted.
	w = env.do(http.MethodPost, "/api/v1/provisioning", testBizKey, map[string]string{
		"customer_id": "cust_1", "action": "create_machine", "provider": "volcano",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
