// Package billing integrates with Stripe: metered usage reports, the
// webhook state machine, and the daily subscription reconciler.
package billing

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/tracktags/tracktags/internal/circuitbreaker"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/monitoring"
)

// Subscription is the slice of a provider subscription reconciliation
// cares about.
type Subscription struct {
	ID         string
	CustomerID string // provider-side customer
	PriceID    string
	ItemID     string
	Status     string
}

// Provider is the billing backend. StripeProvider talks to the real
// API; MockProvider logs, for MOCK_MODE and tests.
type Provider interface {
	// ReportUsage pushes one metered usage record. tickTS doubles as
	// the idempotency key, so re-reporting one tick is safe.
	ReportUsage(ctx context.Context, subscriptionItemID string, quantity float64, tickTS int64) error
	ListSubscriptions(ctx context.Context, stripeCustomerID string) ([]Subscription, error)
}

// ProviderFactory builds a provider bound to one business's API key.
type ProviderFactory func(apiKey string) Provider

const stripeAPIBase = "https://api.stripe.com"

// StripeProvider reports usage over the raw usage_records endpoint and
// lists subscriptions through stripe-go. Calls run behind a shared
// circuit breaker.
type StripeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *monitoring.Metrics
	logger  *log.Logger
}

func NewStripeProvider(apiKey string, breaker *circuitbreaker.CircuitBreaker, metrics *monitoring.Metrics) *StripeProvider {
	return &StripeProvider{
		apiKey:  apiKey,
		baseURL: stripeAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[STRIPE] ", log.LstdFlags),
	}
}

// NewStripeFactory returns a ProviderFactory sharing one breaker and
// metrics across per-business providers.
func NewStripeFactory(breaker *circuitbreaker.CircuitBreaker, metrics *monitoring.Metrics) ProviderFactory {
	return func(apiKey string) Provider {
		return NewStripeProvider(apiKey, breaker, metrics)
	}
}

// ReportUsage posts quantity against a subscription item with
// action=increment and Idempotency-Key set to the tick timestamp.
func (p *StripeProvider) ReportUsage(ctx context.Context, subscriptionItemID string, quantity float64, tickTS int64) error {
	if subscriptionItemID == "" {
		return errs.Validationf("subscription_item_id", "must not be empty")
	}

	form := url.Values{}
	form.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	form.Set("timestamp", strconv.FormatInt(tickTS, 10))
	form.Set("action", "increment")

	endpoint := fmt.Sprintf("%s/v1/subscription_items/%s/usage_records", p.baseURL, subscriptionItemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", strconv.FormatInt(tickTS, 10))

	_, err = p.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("usage record post: %w", errs.ErrUpstreamFailed)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("usage record for %s: status %d: %w",
				subscriptionItemID, resp.StatusCode, errs.ErrUpstreamFailed)
		}
		return nil, nil
	})
	if err != nil {
		p.metrics.RecordUsageReport("failed")
		return err
	}
	p.metrics.RecordUsageReport("reported")
	p.logger.Printf("✅ reported %.0f units for item %s (ts=%d)", quantity, subscriptionItemID, tickTS)
	return nil
}

// ListSubscriptions returns the customer's active subscriptions.
func (p *StripeProvider) ListSubscriptions(ctx context.Context, stripeCustomerID string) ([]Subscription, error) {
	result, err := p.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		sc := &subscription.Client{B: stripe.GetBackend(stripe.APIBackend), Key: p.apiKey}
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(stripeCustomerID),
			Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
		}
		params.Context = ctx

		var subs []Subscription
		iter := sc.List(params)
		for iter.Next() {
			s := iter.Subscription()
			out := Subscription{
				ID:         s.ID,
				CustomerID: stripeCustomerID,
				Status:     string(s.Status),
			}
			if s.Items != nil && len(s.Items.Data) > 0 {
				item := s.Items.Data[0]
				out.ItemID = item.ID
				if item.Price != nil {
					out.PriceID = item.Price.ID
				}
			}
			subs = append(subs, out)
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("list subscriptions for %s: %w", stripeCustomerID, err)
		}
		return subs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]Subscription), nil
}

// MockProvider records calls instead of talking to Stripe. Used in
// MOCK_MODE and tests.
type MockProvider struct {
	mu            sync.Mutex
	Reports       []MockUsageReport
	Subscriptions map[string][]Subscription // stripe customer -> subs
	logger        *log.Logger
}

type MockUsageReport struct {
	SubscriptionItemID string
	Quantity           float64
	TickTS             int64
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Subscriptions: make(map[string][]Subscription),
		logger:        log.New(log.Writer(), "[STRIPE-MOCK] ", log.LstdFlags),
	}
}

func (m *MockProvider) ReportUsage(_ context.Context, subscriptionItemID string, quantity float64, tickTS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reports = append(m.Reports, MockUsageReport{
		SubscriptionItemID: subscriptionItemID,
		Quantity:           quantity,
		TickTS:             tickTS,
	})
	m.logger.Printf("mock usage report: item=%s quantity=%.0f ts=%d", subscriptionItemID, quantity, tickTS)
	return nil
}

func (m *MockProvider) ListSubscriptions(_ context.Context, stripeCustomerID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Subscriptions[stripeCustomerID], nil
}

// ReportCount returns how many usage reports the mock has seen.
func (m *MockProvider) ReportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Reports)
}

var (
	_ Provider = (*StripeProvider)(nil)
	_ Provider = (*MockProvider)(nil)
)
