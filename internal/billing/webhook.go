package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/infra"
	"github.com/tracktags/tracktags/internal/keys"
	"github.com/tracktags/tracktags/internal/monitoring"
)

const (
	maxEventRetries  = 5
	eventLockTTL     = 2 * time.Minute
	webhookKeyName   = "webhook_secret"
	statusPending    = "pending"
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"
)

// WebhookDB is the slice of the row store the processor needs.
type WebhookDB interface {
	GetBillingEvent(ctx context.Context, eventID string) (*database.BillingEventRow, error)
	InsertBillingEvent(ctx context.Context, eventID, businessID, eventType string, rawPayload []byte) error
	TransitionBillingEvent(ctx context.Context, eventID, fromStatus, toStatus string) (bool, error)
	FailBillingEvent(ctx context.Context, eventID string, retryCount int, errMsg string, terminal bool) error
	GetCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*database.CustomerRow, error)
	GetCustomerBySubscriptionID(ctx context.Context, subscriptionID string) (*database.CustomerRow, error)
	GetPlanByPriceID(ctx context.Context, businessID, stripePriceID string) (*database.PlanRow, error)
	UpdateCustomerSubscription(ctx context.Context, businessID, customerID string, patch map[string]interface{}) error
	GetIntegrationKey(ctx context.Context, businessID, keyType, keyName string) (*database.IntegrationKeyRow, error)
	GetActiveKeyByType(ctx context.Context, businessID, keyType string) (*database.IntegrationKeyRow, error)
	ListMetricDefinitions(ctx context.Context, businessID string) ([]database.MetricRow, error)
}

// CustomerOps are the customer-actor operations billing drives.
// *actors.CustomerActor satisfies this through a thin adapter in main.
type CustomerOps interface {
	RefreshPlan() error
	ResetBillingCycle(reason string) error
	DowngradeToFree() error
}

// ActorTree lets the processor reach live actors behind a narrow
// interface; tests substitute fakes.
type ActorTree interface {
	Customer(businessID, customerID string) (CustomerOps, error)
	MetricValue(businessID, customerID, metricName string) (float64, error)
}

// Processor runs the billing event state machine: ingest verifies and
// persists the envelope, Process reserves it, dispatches on type, and
// records the outcome.
type Processor struct {
	db        WebhookDB
	tree      ActorTree
	locker    infra.Locker
	factory   ProviderFactory
	encryptor *keys.Encryptor
	metrics   *monitoring.Metrics
	logger    *log.Logger

	// Platform-level fallbacks for businesses without their own keys.
	fallbackSecret string
	fallbackAPIKey string
	mock           *MockProvider // non-nil in MOCK_MODE, overrides factory
}

func NewProcessor(db WebhookDB, tree ActorTree, locker infra.Locker, factory ProviderFactory, encryptor *keys.Encryptor, fallbackSecret, fallbackAPIKey string, metrics *monitoring.Metrics) *Processor {
	return &Processor{
		db:             db,
		tree:           tree,
		locker:         locker,
		factory:        factory,
		encryptor:      encryptor,
		metrics:        metrics,
		logger:         log.New(log.Writer(), "[BILLING] ", log.LstdFlags),
		fallbackSecret: fallbackSecret,
		fallbackAPIKey: fallbackAPIKey,
	}
}

// UseMock routes all provider calls to one shared mock.
func (p *Processor) UseMock(mock *MockProvider) { p.mock = mock }

// Ingest verifies the signature and persists the event envelope as
// pending. Duplicate deliveries are acknowledged without a second row.
// Returns the event id for the caller to hand to Process.
func (p *Processor) Ingest(ctx context.Context, businessID string, payload []byte, sigHeader string) (string, error) {
	secret, err := p.webhookSecret(ctx, businessID)
	if err != nil {
		return "", err
	}

	event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, secret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", fmt.Errorf("verify webhook: %w", errs.ErrBadSignature)
	}

	existing, err := p.db.GetBillingEvent(ctx, event.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		// Stripe redelivers until it sees a 2xx; the row already exists,
		// so just acknowledge.
		p.logger.Printf("duplicate delivery for %s (status=%s), acked", event.ID, existing.Status)
		return event.ID, nil
	}

	if err := p.db.InsertBillingEvent(ctx, event.ID, businessID, string(event.Type), payload); err != nil {
		// Insert races with a concurrent delivery; the unique event_id
		// means the envelope is already queued.
		p.logger.Printf("⚠️ insert billing event %s: %v", event.ID, err)
		return event.ID, nil
	}
	p.logger.Printf("queued billing event %s type=%s business=%s", event.ID, event.Type, businessID)
	return event.ID, nil
}

// Process drives one event through pending → processing → completed,
// or back to pending with a bumped retry count on retryable failure.
// A lost reservation or CAS means another worker owns the event.
func (p *Processor) Process(ctx context.Context, eventID string) error {
	won, err := p.locker.SetNX(ctx, "billing:"+eventID, eventLockTTL)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	defer p.locker.Release(context.WithoutCancel(ctx), "billing:"+eventID)

	row, err := p.db.GetBillingEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if row == nil {
		return errs.NotFoundf("billing event %s", eventID)
	}
	if row.Status == statusCompleted || row.Status == statusFailed {
		return nil
	}

	claimed, err := p.db.TransitionBillingEvent(ctx, eventID, statusPending, statusProcessing)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if dispatchErr := p.dispatch(ctx, row); dispatchErr != nil {
		retry := row.RetryCount + 1
		terminal := retry >= maxEventRetries ||
			errors.Is(dispatchErr, errs.ErrEventNotRetryable) ||
			errors.Is(dispatchErr, errs.ErrProviderNotLinked)
		if failErr := p.db.FailBillingEvent(ctx, eventID, retry, dispatchErr.Error(), terminal); failErr != nil {
			p.logger.Printf("❌ recording failure for %s: %v", eventID, failErr)
		}
		if terminal {
			p.logger.Printf("❌ billing event %s failed terminally after %d attempts: %v", eventID, retry, dispatchErr)
		} else {
			p.logger.Printf("⚠️ billing event %s back to pending (attempt %d): %v", eventID, retry, dispatchErr)
		}
		return dispatchErr
	}

	if _, err := p.db.TransitionBillingEvent(ctx, eventID, statusProcessing, statusCompleted); err != nil {
		return err
	}
	p.logger.Printf("✅ billing event %s (%s) completed", eventID, row.EventType)
	return nil
}

// ReportOverage pushes a usage record outside the invoice cycle, used
// by the gating proxy for allow_overage traffic past the threshold.
func (p *Processor) ReportOverage(ctx context.Context, businessID, subscriptionItemID string, quantity float64) error {
	provider, err := p.providerFor(ctx, businessID)
	if err != nil {
		return err
	}
	return provider.ReportUsage(ctx, subscriptionItemID, quantity, time.Now().UTC().Unix())
}

func (p *Processor) dispatch(ctx context.Context, row *database.BillingEventRow) error {
	var event stripe.Event
	if err := json.Unmarshal(row.RawPayload, &event); err != nil {
		return fmt.Errorf("decode event %s: %v: %w", row.EventID, err, errs.ErrEventNotRetryable)
	}

	switch row.EventType {
	case "invoice.finalized":
		return p.onInvoiceFinalized(ctx, row.BusinessID, &event)
	case "invoice.paid":
		return p.onInvoicePaid(ctx, &event)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.onSubscriptionChanged(ctx, &event)
	case "customer.subscription.deleted":
		return p.onSubscriptionDeleted(ctx, &event)
	default:
		// Unknown types get acknowledged so Stripe stops redelivering.
		p.logger.Printf("ignoring event type %s (%s)", row.EventType, row.EventID)
		return nil
	}
}

// onInvoiceFinalized reports accumulated usage for every stripe_billing
// metric bound to the invoice's customer, then resets the billing cycle.
func (p *Processor) onInvoiceFinalized(ctx context.Context, businessID string, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %v: %w", err, errs.ErrEventNotRetryable)
	}
	if inv.Customer == nil {
		return fmt.Errorf("invoice %s has no customer: %w", inv.ID, errs.ErrEventNotRetryable)
	}

	cust, err := p.db.GetCustomerByStripeID(ctx, inv.Customer.ID)
	if err != nil {
		return err
	}
	if cust == nil {
		return fmt.Errorf("no customer linked to stripe customer %s: %w", inv.Customer.ID, errs.ErrEventNotRetryable)
	}
	if businessID == "" {
		businessID = cust.BusinessID
	}

	defs, err := p.db.ListMetricDefinitions(ctx, businessID)
	if err != nil {
		return err
	}

	var provider Provider
	tickTS := time.Now().UTC().Unix()
	for _, def := range defs {
		if def.MetricType != "stripe_billing" {
			continue
		}
		if def.CustomerID != "" && def.CustomerID != cust.CustomerID {
			continue
		}
		itemID := subscriptionItemID(def.Adapters)
		if itemID == "" {
			continue
		}
		value, err := p.tree.MetricValue(businessID, cust.CustomerID, def.MetricName)
		if err != nil {
			return fmt.Errorf("read %s for %s/%s: %w", def.MetricName, businessID, cust.CustomerID, err)
		}
		if value <= 0 {
			continue
		}
		if provider == nil {
			if provider, err = p.providerFor(ctx, businessID); err != nil {
				return err
			}
		}
		if err := provider.ReportUsage(ctx, itemID, value, tickTS); err != nil {
			return err
		}
	}

	ops, err := p.tree.Customer(businessID, cust.CustomerID)
	if err != nil {
		return err
	}
	return ops.ResetBillingCycle("invoice.finalized")
}

// onInvoicePaid resets the cycle for free-tier customers, whose periods
// are driven by zero-amount invoices rather than finalization.
func (p *Processor) onInvoicePaid(ctx context.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %v: %w", err, errs.ErrEventNotRetryable)
	}
	if inv.Customer == nil {
		return nil
	}
	cust, err := p.db.GetCustomerByStripeID(ctx, inv.Customer.ID)
	if err != nil {
		return err
	}
	if cust == nil || cust.StripeSubscriptionID != "" {
		// Subscribed customers reset on invoice.finalized.
		return nil
	}
	ops, err := p.tree.Customer(cust.BusinessID, cust.CustomerID)
	if err != nil {
		return err
	}
	return ops.ResetBillingCycle("invoice.paid")
}

// onSubscriptionChanged links the subscription to the customer row,
// maps the price onto a plan, and pushes the outcome to the live actor.
func (p *Processor) onSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %v: %w", err, errs.ErrEventNotRetryable)
	}

	cust, err := p.lookupSubscriber(ctx, &sub)
	if err != nil {
		return err
	}

	patch := map[string]interface{}{
		"stripe_subscription_id": sub.ID,
	}
	var priceID string
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
		patch["stripe_price_id"] = priceID
	}
	if priceID != "" {
		plan, err := p.db.GetPlanByPriceID(ctx, cust.BusinessID, priceID)
		if err != nil {
			return err
		}
		if plan != nil {
			patch["plan_id"] = plan.ID
		} else {
			p.logger.Printf("⚠️ no plan maps price %s for business %s", priceID, cust.BusinessID)
		}
	}
	if err := p.db.UpdateCustomerSubscription(ctx, cust.BusinessID, cust.CustomerID, patch); err != nil {
		return err
	}

	ops, err := p.tree.Customer(cust.BusinessID, cust.CustomerID)
	if err != nil {
		return err
	}
	switch sub.Status {
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusCanceled:
		return ops.DowngradeToFree()
	default:
		return ops.RefreshPlan()
	}
}

// onSubscriptionDeleted clears the linkage and lands the customer on
// the free plan.
func (p *Processor) onSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %v: %w", err, errs.ErrEventNotRetryable)
	}

	cust, err := p.lookupSubscriber(ctx, &sub)
	if err != nil {
		return err
	}

	patch := map[string]interface{}{
		"stripe_subscription_id": "",
		"stripe_price_id":        "",
	}
	if err := p.db.UpdateCustomerSubscription(ctx, cust.BusinessID, cust.CustomerID, patch); err != nil {
		return err
	}

	ops, err := p.tree.Customer(cust.BusinessID, cust.CustomerID)
	if err != nil {
		return err
	}
	return ops.DowngradeToFree()
}

func (p *Processor) lookupSubscriber(ctx context.Context, sub *stripe.Subscription) (*database.CustomerRow, error) {
	cust, err := p.db.GetCustomerBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if cust == nil && sub.Customer != nil {
		if cust, err = p.db.GetCustomerByStripeID(ctx, sub.Customer.ID); err != nil {
			return nil, err
		}
	}
	if cust == nil {
		return nil, fmt.Errorf("no customer for subscription %s: %w", sub.ID, errs.ErrEventNotRetryable)
	}
	return cust, nil
}

// webhookSecret prefers the business's own secret from integration_keys
// and falls back to the platform-level STRIPE_WEBHOOK_SECRET.
func (p *Processor) webhookSecret(ctx context.Context, businessID string) (string, error) {
	if businessID != "" {
		row, err := p.db.GetIntegrationKey(ctx, businessID, keys.TypeStripe, webhookKeyName)
		if err != nil {
			return "", err
		}
		if row != nil && row.IsActive {
			return p.encryptor.Decrypt(row.EncryptedKey)
		}
	}
	if p.fallbackSecret == "" {
		return "", errs.ErrProviderNotLinked
	}
	return p.fallbackSecret, nil
}

// providerFor builds a provider on the business's stored Stripe key,
// the platform fallback, or the mock.
func (p *Processor) providerFor(ctx context.Context, businessID string) (Provider, error) {
	if p.mock != nil {
		return p.mock, nil
	}
	row, err := p.db.GetActiveKeyByType(ctx, businessID, keys.TypeStripe)
	if err != nil {
		return nil, err
	}
	if row != nil && row.KeyName != webhookKeyName {
		apiKey, err := p.encryptor.Decrypt(row.EncryptedKey)
		if err != nil {
			return nil, err
		}
		return p.factory(apiKey), nil
	}
	if p.fallbackAPIKey != "" {
		return p.factory(p.fallbackAPIKey), nil
	}
	return nil, fmt.Errorf("business %s: %w", businessID, errs.ErrProviderNotLinked)
}

func subscriptionItemID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var adapters struct {
		Stripe *struct {
			SubscriptionItemID string `json:"subscription_item_id"`
		} `json:"stripe"`
	}
	if err := json.Unmarshal(raw, &adapters); err != nil || adapters.Stripe == nil {
		return ""
	}
	return adapters.Stripe.SubscriptionItemID
}
