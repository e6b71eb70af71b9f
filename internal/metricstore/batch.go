package metricstore

import (
	"strings"
	"sync"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/errs"
)

// BatchTable is the staging table the flush pipeline drains.
const BatchTable = "batch"

// BatchStore stages per-tick flush entries on top of a Store. Keys encode
// tick|business|customer|metric|type so one prefix scan materializes a
// whole tick window. Values aggregate under the metric's own operation,
// so a metric that stages twice in one window folds correctly.
type BatchStore struct {
	store *Store

	mu   sync.Mutex
	meta map[string]core.MetricBatch // batch shape minus the aggregate
}

// NewBatchStore builds the staging area, creating its table in store.
func NewBatchStore(store *Store) *BatchStore {
	// Ignore ErrAlreadyExists: restarts reuse the table.
	_ = store.CreateTable(BatchTable)
	return &BatchStore{store: store, meta: make(map[string]core.MetricBatch)}
}

// BatchKey builds the composite staging key. The customer segment is
// empty for business-scope metrics.
func BatchKey(tick string, b core.MetricBatch) string {
	return strings.Join([]string{tick, b.BusinessID, b.CustomerID, b.MetricName, string(b.MetricType)}, "|")
}

// AddBatch stages one entry for the tick, creating the key on first use
// and folding into it afterwards. The whole create-or-add is serialized
// under the store's meta lock so concurrent stagers cannot double-create.
func (bs *BatchStore) AddBatch(tick string, batch core.MetricBatch) error {
	key := BatchKey(tick, batch)

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if _, staged := bs.meta[key]; !staged {
		if err := bs.store.Create(BatchTable, key, batch.Operation, batch.AggregatedValue); err != nil {
			return err
		}
		bs.meta[key] = batch
		return nil
	}
	if _, err := bs.store.Add(BatchTable, key, batch.AggregatedValue); err != nil {
		return err
	}
	// Keep the freshest window end; the start stays from the first stage.
	m := bs.meta[key]
	if batch.WindowEnd.After(m.WindowEnd) {
		m.WindowEnd = batch.WindowEnd
	}
	bs.meta[key] = m
	return nil
}

// ReplaceBatch stages an entry whose value supersedes any earlier stage
// under the same key. Cumulative metric types use this path: after a
// failed flush the next tick re-stages the advanced total, and folding
// it into the stale one would double count.
func (bs *BatchStore) ReplaceBatch(tick string, batch core.MetricBatch) error {
	key := BatchKey(tick, batch)

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if _, staged := bs.meta[key]; !staged {
		if err := bs.store.Create(BatchTable, key, batch.Operation, batch.AggregatedValue); err != nil {
			return err
		}
		bs.meta[key] = batch
		return nil
	}
	if err := bs.store.Reset(BatchTable, key, batch.AggregatedValue); err != nil {
		return err
	}
	m := bs.meta[key]
	if batch.WindowEnd.After(m.WindowEnd) {
		m.WindowEnd = batch.WindowEnd
	}
	bs.meta[key] = m
	return nil
}

// FlushInterval materializes every staged entry for the tick. The caller
// commits these durably, then calls ClearInterval; the two steps are
// deliberately separate so a failed write leaves the stage intact.
func (bs *BatchStore) FlushInterval(tick string) ([]core.MetricBatch, error) {
	keys, err := bs.store.ScanKeys(BatchTable)
	if err != nil {
		return nil, err
	}

	prefix := tick + "|"
	bs.mu.Lock()
	defer bs.mu.Unlock()

	var out []core.MetricBatch
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		value, err := bs.store.Get(BatchTable, key)
		if err != nil {
			return nil, err
		}
		batch, ok := bs.meta[key]
		if !ok {
			return nil, errs.ErrEntryNotFound
		}
		batch.AggregatedValue = value
		out = append(out, batch)
	}
	return out, nil
}

// ClearInterval drops every staged entry for the tick. Called only after
// the durable write for that tick succeeded.
func (bs *BatchStore) ClearInterval(tick string) error {
	keys, err := bs.store.ScanKeys(BatchTable)
	if err != nil {
		return err
	}

	prefix := tick + "|"
	bs.mu.Lock()
	defer bs.mu.Unlock()

	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := bs.store.Delete(BatchTable, key); err != nil {
			return err
		}
		delete(bs.meta, key)
	}
	return nil
}

// DrainOwned removes staged entries belonging to one metric across all
// ticks. MetricActor shutdown uses this so a dead actor leaves no
// orphaned staging rows.
func (bs *BatchStore) DrainOwned(businessID, customerID, metricName string) error {
	keys, err := bs.store.ScanKeys(BatchTable)
	if err != nil {
		return err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	for _, key := range keys {
		parts := strings.Split(key, "|")
		if len(parts) != 5 {
			continue
		}
		if parts[1] != businessID || parts[2] != customerID || parts[3] != metricName {
			continue
		}
		if err := bs.store.Delete(BatchTable, key); err != nil {
			return err
		}
		delete(bs.meta, key)
	}
	return nil
}

