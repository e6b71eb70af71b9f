package billing

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/keys"
)

func newTestReconciler(t *testing.T, db *fakeBillingDB, tree *fakeTree, mock *MockProvider) *Reconciler {
	t.Helper()
	enc, err := keys.NewEncryptor("unit-test-key-encryption-secret")
	require.NoError(t, err)
	r := NewReconciler(db, tree, nil, enc, "", 2, nil)
	r.UseMock(mock)
	return r
}

func TestReconcileRelinksDriftedSubscription(t *testing.T) {
	db := newFakeBillingDB()
	tree := newFakeTree()
	mock := NewMockProvider()

	db.businesses = []database.BusinessRow{{BusinessID: "biz_1"}}
	db.customers["biz_1"] = []database.CustomerRow{{
		BusinessID: "biz_1", CustomerID: "cust_1",
		StripeCustomerID: "cus_123", StripeSubscriptionID: "sub_old", StripePriceID: "price_old",
	}}
	db.plansByPrice["biz_1|price_new"] = &database.PlanRow{ID: "plan_new", BusinessID: "biz_1"}

	// The provider's truth: a subscription the row store never heard of.
	mock.Subscriptions["cus_123"] = []Subscription{{
		ID: "sub_new", CustomerID: "cus_123", PriceID: "price_new", ItemID: "si_1", Status: "active",
	}}

	r := newTestReconciler(t, db, tree, mock)
	record, err := r.Run(context.Background(), "manual")
	require.NoError(t, err)

	assert.Equal(t, 1, record.BusinessesChecked)
	assert.Equal(t, 1, record.CustomersChecked)
	assert.Equal(t, 1, record.MismatchesFound)
	assert.Equal(t, 1, record.MismatchesFixed)
	assert.Zero(t, record.Errors)

	require.Len(t, db.patches, 1)
	assert.Equal(t, "sub_new", db.patches[0]["stripe_subscription_id"])
	assert.Equal(t, "plan_new", db.patches[0]["plan_id"])
	assert.Equal(t, 1, tree.ops["biz_1/cust_1"].refreshes)

	require.Len(t, db.recRecords, 1, "every pass persists its outcome")
}

func TestReconcileDowngradesVanishedSubscription(t *testing.T) {
	db := newFakeBillingDB()
	tree := newFakeTree()
	mock := NewMockProvider()

	db.businesses = []database.BusinessRow{{BusinessID: "biz_1"}}
	db.customers["biz_1"] = []database.CustomerRow{{
		BusinessID: "biz_1", CustomerID: "cust_1",
		StripeCustomerID: "cus_123", StripeSubscriptionID: "sub_gone",
	}}
	// Provider reports no active subscriptions at all.

	r := newTestReconciler(t, db, tree, mock)
	record, err := r.Run(context.Background(), "manual")
	require.NoError(t, err)

	assert.Equal(t, 1, record.MismatchesFixed)
	require.Len(t, db.patches, 1)
	assert.Equal(t, "", db.patches[0]["stripe_subscription_id"])
	assert.Equal(t, 1, tree.ops["biz_1/cust_1"].downgrades)
}

func TestReconcileLeavesMatchingStateAlone(t *testing.T) {
	db := newFakeBillingDB()
	tree := newFakeTree()
	mock := NewMockProvider()

	db.businesses = []database.BusinessRow{{BusinessID: "biz_1"}}
	db.customers["biz_1"] = []database.CustomerRow{{
		BusinessID: "biz_1", CustomerID: "cust_1",
		StripeCustomerID: "cus_123", StripeSubscriptionID: "sub_1", StripePriceID: "price_1",
	}}
	mock.Subscriptions["cus_123"] = []Subscription{{
		ID: "sub_1", CustomerID: "cus_123", PriceID: "price_1", Status: "active",
	}}

	r := newTestReconciler(t, db, tree, mock)
	record, err := r.Run(context.Background(), "manual")
	require.NoError(t, err)

	assert.Zero(t, record.MismatchesFound)
	assert.Empty(t, db.patches)
	assert.Empty(t, tree.ops)
}

func TestReconcileSkipsUnlinkedAndDeleted(t *testing.T) {
	db := newFakeBillingDB()
	tree := newFakeTree()
	mock := NewMockProvider()

	deleted := time.Now().UTC()
	db.businesses = []database.BusinessRow{{BusinessID: "biz_1"}}
	db.customers["biz_1"] = []database.CustomerRow{
		{BusinessID: "biz_1", CustomerID: "cust_local"}, // never linked to Stripe
		{BusinessID: "biz_1", CustomerID: "cust_gone", StripeCustomerID: "cus_9", DeletedAt: &deleted},
	}

	r := newTestReconciler(t, db, tree, mock)
	record, err := r.Run(context.Background(), "manual")
	require.NoError(t, err)

	assert.Zero(t, record.CustomersChecked)
	assert.Zero(t, record.MismatchesFound)
}

func TestReconcileIncompleteSurfacesErrors(t *testing.T) {
	db := newFakeBillingDB()
	tree := newFakeTree()
	mock := NewMockProvider()

	db.businesses = []database.BusinessRow{{BusinessID: "biz_1"}}
	db.customers["biz_1"] = []database.CustomerRow{{
		BusinessID: "biz_1", CustomerID: "cust_1",
		StripeCustomerID: "cus_123", StripeSubscriptionID: "sub_gone",
	}}
	// The downgrade path fails, so the pass finishes with errors.
	ops, err := tree.Customer("biz_1", "cust_1")
	require.NoError(t, err)
	ops.(*fakeOps).err = errs.ErrMailboxFull

	r := newTestReconciler(t, db, tree, mock)
	record, err := r.Run(context.Background(), "manual")
	require.ErrorIs(t, err, errs.ErrReconcileIncomplete)
	assert.Equal(t, 1, record.Errors)
	require.Len(t, db.recRecords, 1, "failed passes still persist their outcome")
}

func TestDailyScheduleFiresAtConfiguredHour(t *testing.T) {
	db := newFakeBillingDB()
	tree := newFakeTree()
	mock := NewMockProvider()

	start := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	r := newTestReconciler(t, db, tree, mock).WithClock(clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunDaily(ctx)

	// 02:00 UTC is two and a half hours out.
	clock.BlockUntil(1)
	clock.Advance(2*time.Hour + 30*time.Minute)

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.recRecords) == 1
	}, 2*time.Second, 10*time.Millisecond)

	db.mu.Lock()
	assert.Equal(t, "scheduled", db.recRecords[0].RunType)
	db.mu.Unlock()
}

func TestNextRunAtRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 3, 10, 2, 0, 1, 0, time.UTC)
	next := nextRunAt(now, 2)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), next)

	before := time.Date(2026, 3, 10, 1, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), nextRunAt(before, 2))
}
