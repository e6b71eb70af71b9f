package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracktags/tracktags/internal/database"
)

// fakeSweepDB records which purge calls ran, in order.
type fakeSweepDB struct {
	mu                  sync.Mutex
	purgeableBusinesses []database.BusinessRow
	purgeableCustomers  []database.CustomerRow
	calls               []string
	audits              []database.AuditLogRow
	failMetricsFor      string
}

func (f *fakeSweepDB) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSweepDB) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSweepDB) ListPurgeableBusinesses(_ context.Context, _ time.Time) ([]database.BusinessRow, error) {
	return f.purgeableBusinesses, nil
}

func (f *fakeSweepDB) ListPurgeableCustomers(_ context.Context, _ time.Time) ([]database.CustomerRow, error) {
	return f.purgeableCustomers, nil
}

func (f *fakeSweepDB) PurgeBusiness(_ context.Context, businessID string) error {
	f.record("business:" + businessID)
	return nil
}

func (f *fakeSweepDB) PurgeCustomer(_ context.Context, businessID, customerID string) error {
	f.record("customer:" + businessID + "/" + customerID)
	return nil
}

func (f *fakeSweepDB) PurgeKeysForBusiness(_ context.Context, businessID string) error {
	f.record("keys:" + businessID)
	return nil
}

func (f *fakeSweepDB) PurgeMetricsForBusiness(_ context.Context, businessID string) error {
	if f.failMetricsFor == businessID {
		return errors.New("metrics purge failed")
	}
	f.record("metrics:" + businessID)
	return nil
}

func (f *fakeSweepDB) PurgeMetricsForCustomer(_ context.Context, businessID, customerID string) error {
	f.record("metrics:" + businessID + "/" + customerID)
	return nil
}

func (f *fakeSweepDB) InsertAuditLog(_ context.Context, row *database.AuditLogRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, *row)
	return nil
}

func TestSweepCascadesInOrder(t *testing.T) {
	db := &fakeSweepDB{
		purgeableBusinesses: []database.BusinessRow{{BusinessID: "biz_1"}},
		purgeableCustomers:  []database.CustomerRow{{BusinessID: "biz_1", CustomerID: "cust_1"}},
	}

	out, err := New(db, 3).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.BusinessesPurged)
	assert.Equal(t, 1, out.CustomersPurged)
	assert.Zero(t, out.Errors)

	// Customer data goes before the customer row; business metrics and
	// keys go before the business row.
	assert.Equal(t, []string{
		"metrics:biz_1/cust_1",
		"customer:biz_1/cust_1",
		"metrics:biz_1",
		"keys:biz_1",
		"business:biz_1",
	}, db.calls)

	require.Len(t, db.audits, 2)
	assert.Equal(t, "sweeper", db.audits[0].Actor)
	assert.Equal(t, "purge_customer", db.audits[0].Action)
	assert.Equal(t, "purge_business", db.audits[1].Action)
}

func TestSweepCountsFailuresAndContinues(t *testing.T) {
	db := &fakeSweepDB{
		purgeableBusinesses: []database.BusinessRow{
			{BusinessID: "biz_bad"},
			{BusinessID: "biz_good"},
		},
		failMetricsFor: "biz_bad",
	}

	out, err := New(db, 3).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.BusinessesPurged)
	assert.Equal(t, 1, out.Errors)
	assert.Contains(t, db.calls, "business:biz_good")
	assert.NotContains(t, db.calls, "business:biz_bad")
}

func TestNightlyScheduleFiresAtConfiguredHour(t *testing.T) {
	db := &fakeSweepDB{
		purgeableCustomers: []database.CustomerRow{{BusinessID: "biz_1", CustomerID: "cust_1"}},
	}
	start := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	s := New(db, 3).WithClock(clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunNightly(ctx)

	clock.BlockUntil(1)
	clock.Advance(2 * time.Hour)

	require.Eventually(t, func() bool {
		return len(db.snapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, db.snapshot(), "customer:biz_1/cust_1")
}

func TestNextSweepAtRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 3, 10, 3, 0, 1, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), nextSweepAt(now, 3))
}
