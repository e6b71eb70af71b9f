package metricstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.CreateTable("metrics"))
	return s
}

func TestStoreOperations(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		op      core.Operation
		initial float64
		adds    []float64
		want    float64
	}{
		{"sum accumulates", core.OpSum, 0, []float64{1, 2, 3.5}, 6.5},
		{"min is monotone down", core.OpMin, 10, []float64{12, 4, 7}, 4},
		{"max is monotone up", core.OpMax, 0, []float64{3, 9, 2}, 9},
		{"count ignores the value", core.OpCount, 0, []float64{100, -5, 0.5}, 3},
		{"last replaces", core.OpLast, 1, []float64{7, 42}, 42},
		{"average returns sum over count", core.OpAverage, 0, []float64{2, 4, 6}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "k/" + tt.name
			require.NoError(t, s.Create("metrics", key, tt.op, tt.initial))

			var got float64
			var err error
			for _, v := range tt.adds {
				got, err = s.Add("metrics", key, v)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)

			read, err := s.Get("metrics", key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, read)
		})
	}
}

func TestStoreAddNeverCreates(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Add("metrics", "missing", 1)
	assert.ErrorIs(t, err, errs.ErrEntryNotFound)

	_, err = s.Add("nope", "missing", 1)
	assert.ErrorIs(t, err, errs.ErrTableNotFound)

	require.NoError(t, s.Create("metrics", "dup", core.OpSum, 0))
	assert.ErrorIs(t, s.Create("metrics", "dup", core.OpSum, 0), errs.ErrEntryExists)
}

func TestStoreResetClearsAverageState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("metrics", "avg", core.OpAverage, 0))

	_, err := s.Add("metrics", "avg", 10)
	require.NoError(t, err)
	require.NoError(t, s.Reset("metrics", "avg", 0))

	got, err := s.Add("metrics", "avg", 6)
	require.NoError(t, err)
	assert.Equal(t, float64(3), got, "old samples must not leak into the new window")
}

func TestStoreConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("metrics", "hot", core.OpSum, 0))

	const workers, perWorker = 8, 500
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.Add("metrics", "hot", 1)
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.Get("metrics", "hot")
	require.NoError(t, err)
	assert.Equal(t, float64(workers*perWorker), got)
}

func TestBatchStoreStageAndDrain(t *testing.T) {
	bs := NewBatchStore(New())

	batch := core.MetricBatch{
		BusinessID:      "biz_1",
		CustomerID:      "cust_1",
		MetricName:      "api_calls",
		AggregatedValue: 42,
		MetricType:      core.MetricReset,
		Scope:           core.ScopeCustomer,
		Operation:       core.OpSum,
		FlushInterval:   "tick_1m",
	}
	require.NoError(t, bs.AddBatch("tick_1m", batch))

	// Staging again in the same window folds under the metric's op.
	batch.AggregatedValue = 8
	require.NoError(t, bs.AddBatch("tick_1m", batch))

	// A business-scope entry with an empty customer segment coexists.
	bizBatch := core.MetricBatch{
		BusinessID:      "biz_1",
		MetricName:      "api_calls",
		AggregatedValue: 5,
		MetricType:      core.MetricCheckpoint,
		Scope:           core.ScopeBusiness,
		Operation:       core.OpSum,
		FlushInterval:   "tick_1m",
	}
	require.NoError(t, bs.AddBatch("tick_1m", bizBatch))

	// Another tick's entries do not bleed in.
	require.NoError(t, bs.AddBatch("tick_1h", core.MetricBatch{
		BusinessID: "biz_1", MetricName: "daily", AggregatedValue: 1,
		MetricType: core.MetricReset, Scope: core.ScopeBusiness, Operation: core.OpSum,
	}))

	flushed, err := bs.FlushInterval("tick_1m")
	require.NoError(t, err)
	require.Len(t, flushed, 2)

	byScope := map[core.Scope]core.MetricBatch{}
	for _, b := range flushed {
		byScope[b.Scope] = b
	}
	assert.Equal(t, float64(50), byScope[core.ScopeCustomer].AggregatedValue)
	assert.Equal(t, "cust_1", byScope[core.ScopeCustomer].CustomerID)
	assert.Equal(t, float64(5), byScope[core.ScopeBusiness].AggregatedValue)

	// Flush without clear leaves the stage intact (failed durable write).
	again, err := bs.FlushInterval("tick_1m")
	require.NoError(t, err)
	assert.Len(t, again, 2)

	require.NoError(t, bs.ClearInterval("tick_1m"))
	cleared, err := bs.FlushInterval("tick_1m")
	require.NoError(t, err)
	assert.Empty(t, cleared)

	// The other tick's stage survived the clear.
	hourly, err := bs.FlushInterval("tick_1h")
	require.NoError(t, err)
	assert.Len(t, hourly, 1)
}

func TestBatchStoreDrainOwned(t *testing.T) {
	bs := NewBatchStore(New())

	mine := core.MetricBatch{
		BusinessID: "biz_1", CustomerID: "cust_1", MetricName: "api_calls",
		AggregatedValue: 1, MetricType: core.MetricReset, Scope: core.ScopeCustomer, Operation: core.OpSum,
	}
	other := core.MetricBatch{
		BusinessID: "biz_1", CustomerID: "cust_2", MetricName: "api_calls",
		AggregatedValue: 1, MetricType: core.MetricReset, Scope: core.ScopeCustomer, Operation: core.OpSum,
	}
	require.NoError(t, bs.AddBatch("tick_1m", mine))
	require.NoError(t, bs.AddBatch("tick_1h", mine))
	require.NoError(t, bs.AddBatch("tick_1m", other))

	require.NoError(t, bs.DrainOwned("biz_1", "cust_1", "api_calls"))

	left, err := bs.FlushInterval("tick_1m")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "cust_2", left[0].CustomerID)

	hourly, err := bs.FlushInterval("tick_1h")
	require.NoError(t, err)
	assert.Empty(t, hourly)
}
