// Package metricstore is the in-memory aggregation layer under the
// actors: named tables of keyed float64 aggregates with atomic
// read-modify-write per key, plus the per-tick staging area the flush
// pipeline drains.
package metricstore

import (
	"sort"
	"sync"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/errs"
)

// entry carries the aggregation mode alongside the value. AVERAGE keeps
// the running (sum, count) pair and reads back sum/count.
type entry struct {
	op    core.Operation
	value float64
	sum   float64
	count int64
}

func (e *entry) apply(v float64) float64 {
	switch e.op {
	case core.OpSum:
		e.value += v
	case core.OpMin:
		if v < e.value {
			e.value = v
		}
	case core.OpMax:
		if v > e.value {
			e.value = v
		}
	case core.OpCount:
		e.value++
	case core.OpLast:
		e.value = v
	case core.OpAverage:
		e.sum += v
		e.count++
		e.value = e.sum / float64(e.count)
	default:
		e.value += v
	}
	return e.value
}

func (e *entry) reset(v float64) {
	e.value = v
	e.sum = v
	e.count = 0
}

type table struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store holds named tables of keyed aggregates. Every operation is
// atomic on its single key; add never implicitly creates.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// CreateTable registers a new table. Creating an existing table fails.
func (s *Store) CreateTable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return errs.ErrAlreadyExists
	}
	s.tables[name] = &table{entries: make(map[string]*entry)}
	return nil
}

// DropTable removes a table and everything in it.
func (s *Store) DropTable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		return errs.ErrTableNotFound
	}
	delete(s.tables, name)
	return nil
}

func (s *Store) table(name string) (*table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, errs.ErrTableNotFound
	}
	return t, nil
}

// Create initializes a key with its aggregation op and starting value.
// Fails if the key already exists.
func (s *Store) Create(tableName, key string, op core.Operation, initial float64) error {
	t, err := s.table(tableName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; ok {
		return errs.ErrEntryExists
	}
	e := &entry{op: op}
	e.reset(initial)
	t.entries[key] = e
	return nil
}

// Add applies the key's op to value and returns the new aggregate.
func (s *Store) Add(tableName, key string, value float64) (float64, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return 0, errs.ErrEntryNotFound
	}
	return e.apply(value), nil
}

// Get reads the current aggregate for a key.
func (s *Store) Get(tableName, key string) (float64, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok {
		return 0, errs.ErrEntryNotFound
	}
	return e.value, nil
}

// Reset rewinds a key to the given value, clearing any running average
// state. The op is kept.
func (s *Store) Reset(tableName, key string, value float64) error {
	t, err := s.table(tableName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return errs.ErrEntryNotFound
	}
	e.reset(value)
	return nil
}

// Delete removes a key.
func (s *Store) Delete(tableName, key string) error {
	t, err := s.table(tableName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; !ok {
		return errs.ErrEntryNotFound
	}
	delete(t.entries, key)
	return nil
}

// Exists reports whether the key is present without touching it.
func (s *Store) Exists(tableName, key string) (bool, error) {
	t, err := s.table(tableName)
	if err != nil {
		return false, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[key]
	return ok, nil
}

// ScanKeys lists every key in a table, sorted for stable iteration.
func (s *Store) ScanKeys(tableName string) ([]string, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports how many keys a table holds.
func (s *Store) Len(tableName string) (int, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries), nil
}
