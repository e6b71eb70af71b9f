package billing

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/keys"
	"github.com/tracktags/tracktags/internal/monitoring"
)

// ReconcileDB is the slice of the row store reconciliation needs.
type ReconcileDB interface {
	ListBusinesses(ctx context.Context, limit int) ([]database.BusinessRow, error)
	ListCustomers(ctx context.Context, businessID string, limit int) ([]database.CustomerRow, error)
	GetActiveKeyByType(ctx context.Context, businessID, keyType string) (*database.IntegrationKeyRow, error)
	GetPlanByPriceID(ctx context.Context, businessID, stripePriceID string) (*database.PlanRow, error)
	UpdateCustomerSubscription(ctx context.Context, businessID, customerID string, patch map[string]interface{}) error
	InsertReconciliationRecord(ctx context.Context, row *database.ReconciliationRow) error
}

// Reconciler compares stored subscription state against the provider's
// and repairs drift. Webhooks are the fast path; this is the daily
// backstop for deliveries that never arrived.
type Reconciler struct {
	db        ReconcileDB
	tree      ActorTree
	factory   ProviderFactory
	encryptor *keys.Encryptor
	metrics   *monitoring.Metrics
	logger    *log.Logger
	clock     clockwork.Clock
	hourUTC   int

	fallbackAPIKey string
	mock           *MockProvider
}

func NewReconciler(db ReconcileDB, tree ActorTree, factory ProviderFactory, encryptor *keys.Encryptor, fallbackAPIKey string, hourUTC int, metrics *monitoring.Metrics) *Reconciler {
	return &Reconciler{
		db:             db,
		tree:           tree,
		factory:        factory,
		encryptor:      encryptor,
		metrics:        metrics,
		logger:         log.New(log.Writer(), "[RECONCILE] ", log.LstdFlags),
		clock:          clockwork.NewRealClock(),
		hourUTC:        hourUTC,
		fallbackAPIKey: fallbackAPIKey,
	}
}

// UseMock routes provider calls to one shared mock.
func (r *Reconciler) UseMock(mock *MockProvider) { r.mock = mock }

// WithClock swaps the scheduler clock, for tests.
func (r *Reconciler) WithClock(clock clockwork.Clock) *Reconciler {
	r.clock = clock
	return r
}

// Run executes one full pass and persists its outcome. The returned
// row is written even when individual customers fail; the error is
// ErrReconcileIncomplete when any did.
func (r *Reconciler) Run(ctx context.Context, runType string) (*database.ReconciliationRow, error) {
	record := &database.ReconciliationRow{
		RunType:   runType,
		StartedAt: r.clock.Now().UTC(),
	}

	businesses, err := r.db.ListBusinesses(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list businesses: %w", err)
	}

	for _, biz := range businesses {
		if biz.DeletedAt != nil {
			continue
		}
		record.BusinessesChecked++

		provider, err := r.providerFor(ctx, biz.BusinessID)
		if err != nil {
			// Businesses without Stripe wiring have nothing to reconcile.
			continue
		}

		customers, err := r.db.ListCustomers(ctx, biz.BusinessID, 0)
		if err != nil {
			r.logger.Printf("⚠️ list customers for %s: %v", biz.BusinessID, err)
			record.Errors++
			continue
		}
		for i := range customers {
			cust := &customers[i]
			if cust.DeletedAt != nil || cust.StripeCustomerID == "" {
				continue
			}
			record.CustomersChecked++
			if err := r.reconcileCustomer(ctx, provider, cust, record); err != nil {
				r.logger.Printf("⚠️ reconcile %s/%s: %v", cust.BusinessID, cust.CustomerID, err)
				record.Errors++
			}
		}
	}

	record.FinishedAt = r.clock.Now().UTC()
	if err := r.db.InsertReconciliationRecord(ctx, record); err != nil {
		r.logger.Printf("❌ persisting reconciliation record: %v", err)
		record.Errors++
	}

	r.logger.Printf("✅ pass done: %d businesses, %d customers, %d mismatches (%d fixed), %d errors",
		record.BusinessesChecked, record.CustomersChecked,
		record.MismatchesFound, record.MismatchesFixed, record.Errors)

	if record.Errors > 0 {
		return record, errs.ErrReconcileIncomplete
	}
	return record, nil
}

// reconcileCustomer repairs one customer's stored linkage against the
// provider's view of their subscriptions.
func (r *Reconciler) reconcileCustomer(ctx context.Context, provider Provider, cust *database.CustomerRow, record *database.ReconciliationRow) error {
	subs, err := provider.ListSubscriptions(ctx, cust.StripeCustomerID)
	if err != nil {
		return err
	}

	if len(subs) == 0 {
		if cust.StripeSubscriptionID == "" {
			return nil
		}
		// Provider says no active subscription but we think there is
		// one: a missed subscription.deleted.
		record.MismatchesFound++
		patch := map[string]interface{}{
			"stripe_subscription_id": "",
			"stripe_price_id":        "",
		}
		if err := r.db.UpdateCustomerSubscription(ctx, cust.BusinessID, cust.CustomerID, patch); err != nil {
			return err
		}
		ops, err := r.tree.Customer(cust.BusinessID, cust.CustomerID)
		if err != nil {
			return err
		}
		if err := ops.DowngradeToFree(); err != nil {
			return err
		}
		record.MismatchesFixed++
		r.logger.Printf("fixed %s/%s: subscription %s gone upstream, downgraded",
			cust.BusinessID, cust.CustomerID, cust.StripeSubscriptionID)
		return nil
	}

	sub := subs[0]
	if sub.ID == cust.StripeSubscriptionID && sub.PriceID == cust.StripePriceID {
		return nil
	}

	// Missed subscription.created/updated: relink and refresh limits.
	record.MismatchesFound++
	patch := map[string]interface{}{
		"stripe_subscription_id": sub.ID,
		"stripe_price_id":        sub.PriceID,
	}
	if sub.PriceID != "" {
		plan, err := r.db.GetPlanByPriceID(ctx, cust.BusinessID, sub.PriceID)
		if err != nil {
			return err
		}
		if plan != nil {
			patch["plan_id"] = plan.ID
		}
	}
	if err := r.db.UpdateCustomerSubscription(ctx, cust.BusinessID, cust.CustomerID, patch); err != nil {
		return err
	}
	ops, err := r.tree.Customer(cust.BusinessID, cust.CustomerID)
	if err != nil {
		return err
	}
	if err := ops.RefreshPlan(); err != nil {
		return err
	}
	record.MismatchesFixed++
	r.logger.Printf("fixed %s/%s: relinked to subscription %s price %s",
		cust.BusinessID, cust.CustomerID, sub.ID, sub.PriceID)
	return nil
}

// RunDaily blocks, firing one scheduled pass at the configured UTC hour
// until ctx is cancelled.
func (r *Reconciler) RunDaily(ctx context.Context) {
	for {
		next := nextRunAt(r.clock.Now().UTC(), r.hourUTC)
		r.logger.Printf("next scheduled pass at %s", next.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(next.Sub(r.clock.Now().UTC())):
			if _, err := r.Run(ctx, "scheduled"); err != nil {
				r.logger.Printf("⚠️ scheduled pass: %v", err)
			}
		}
	}
}

func nextRunAt(now time.Time, hourUTC int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func (r *Reconciler) providerFor(ctx context.Context, businessID string) (Provider, error) {
	if r.mock != nil {
		return r.mock, nil
	}
	row, err := r.db.GetActiveKeyByType(ctx, businessID, keys.TypeStripe)
	if err != nil {
		return nil, err
	}
	if row != nil && row.KeyName != webhookKeyName {
		apiKey, err := r.encryptor.Decrypt(row.EncryptedKey)
		if err != nil {
			return nil, err
		}
		return r.factory(apiKey), nil
	}
	if r.fallbackAPIKey != "" {
		return r.factory(r.fallbackAPIKey), nil
	}
	return nil, fmt.Errorf("business %s: %w", businessID, errs.ErrProviderNotLinked)
}
