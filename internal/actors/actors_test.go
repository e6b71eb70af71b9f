package actors

import (
	"context"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/events"
	"github.com/tracktags/tracktags/internal/keys"
	"github.com/tracktags/tracktags/internal/limits"
	"github.com/tracktags/tracktags/internal/metricstore"
	"github.com/tracktags/tracktags/internal/registry"
	"github.com/tracktags/tracktags/internal/ticker"
)

// fakeDB is an in-memory Database double. Only the state a test
// configures is populated; everything is safe for concurrent use.
type fakeDB struct {
	mu sync.Mutex

	latest      map[string]*database.MetricRow // biz/cust/name -> last flushed row
	checkpoints map[string]float64             // biz/cust/name -> running total
	flushed     [][]core.MetricBatch
	flushErr    error

	customers map[string]*database.CustomerRow // biz/cust
	freePlans map[string]*database.PlanRow
	patches   []map[string]interface{}

	keyRows    map[string]*database.IntegrationKeyRow // hash -> row
	hashCalls  int
	createdKey *database.IntegrationKeyRow
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		latest:      make(map[string]*database.MetricRow),
		checkpoints: make(map[string]float64),
		customers:   make(map[string]*database.CustomerRow),
		freePlans:   make(map[string]*database.PlanRow),
		keyRows:     make(map[string]*database.IntegrationKeyRow),
	}
}

func metricKey(biz, cust, name string) string { return biz + "/" + cust + "/" + name }

func (f *fakeDB) GetLatestMetricValue(_ context.Context, biz, cust, name string) (*database.MetricRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[metricKey(biz, cust, name)], nil
}

func (f *fakeDB) IncrementCheckpoint(_ context.Context, biz, cust, name string, delta float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := metricKey(biz, cust, name)
	f.checkpoints[k] += delta
	return f.checkpoints[k], nil
}

func (f *fakeDB) FlushBatch(_ context.Context, batches []core.MetricBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flushErr != nil {
		return f.flushErr
	}
	f.flushed = append(f.flushed, batches)
	return nil
}

func (f *fakeDB) flushedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fl := range f.flushed {
		n += len(fl)
	}
	return n
}

func (f *fakeDB) GetMetricDefinition(context.Context, string, string, string) (*database.MetricRow, error) {
	return nil, nil
}

func (f *fakeDB) ListMetricDefinitions(context.Context, string) ([]database.MetricRow, error) {
	return nil, nil
}

func (f *fakeDB) GetCustomer(_ context.Context, biz, cust string) (*database.CustomerRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customers[biz+"/"+cust], nil
}

func (f *fakeDB) GetFreePlan(_ context.Context, biz string) (*database.PlanRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freePlans[biz], nil
}

func (f *fakeDB) UpdateCustomerSubscription(_ context.Context, biz, cust string, patch map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	if row, ok := f.customers[biz+"/"+cust]; ok {
		if planID, ok := patch["plan_id"].(string); ok {
			row.PlanID = planID
		}
	}
	return nil
}

func (f *fakeDB) GetKeyByHash(_ context.Context, hash string) (*database.IntegrationKeyRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashCalls++
	return f.keyRows[hash], nil
}

func (f *fakeDB) CreateIntegrationKey(_ context.Context, row *database.IntegrationKeyRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdKey = row
	if row.KeyHash != "" {
		f.keyRows[row.KeyHash] = row
	}
	return nil
}

func (f *fakeDB) DeactivateIntegrationKey(_ context.Context, biz, keyType, keyName string) (*database.IntegrationKeyRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.keyRows {
		if row.BusinessID == biz && row.KeyType == keyType && row.KeyName == keyName {
			row.IsActive = false
			return row, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) ListIntegrationKeys(context.Context, string) ([]database.IntegrationKeyRow, error) {
	return nil, nil
}

// fakeLimitStore feeds the resolver fixed rows per scope.
type fakeLimitStore struct {
	overrides []database.PlanLimitRow
	plan      []database.PlanLimitRow
	defaults  []database.PlanLimitRow
}

func (s *fakeLimitStore) GetCustomerOverrideLimits(context.Context, string) ([]database.PlanLimitRow, error) {
	return s.overrides, nil
}

func (s *fakeLimitStore) GetPlanLimits(context.Context, string) ([]database.PlanLimitRow, error) {
	return s.plan, nil
}

func (s *fakeLimitStore) GetBusinessDefaultLimits(context.Context, string) ([]database.PlanLimitRow, error) {
	return s.defaults, nil
}

type testEnv struct {
	deps   *Deps
	db     *fakeDB
	bus    *ticker.Bus
	clock  clockwork.Clock
	events *events.EventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newFakeDB()
	clock := clockwork.NewFakeClock()
	bus := ticker.NewBusWithClock(clock)
	store := metricstore.New()
	batches := metricstore.NewBatchStore(store)
	eventBus := events.NewEventBus()
	enc, err := keys.NewEncryptor("unit-test-key-encryption-secret")
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}

	deps := NewDeps(registry.New(), store, batches, bus, db,
		limits.NewResolver(&fakeLimitStore{}), eventBus, nil, enc)

	return &testEnv{deps: deps, db: db, bus: bus, clock: clock, events: eventBus}
}

func (e *testEnv) withLimits(store limits.LimitStore) {
	e.deps.Resolver = limits.NewResolver(store)
}

func flushedRow(value float64) *database.MetricRow {
	return &database.MetricRow{Value: value}
}

func sumResetDef(name string) core.MetricDefinition {
	return core.MetricDefinition{
		MetricName:    name,
		Operation:     core.OpSum,
		MetricType:    core.MetricReset,
		FlushInterval: ticker.Tick1m,
	}
}
