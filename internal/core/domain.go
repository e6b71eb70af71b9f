package core

import (
	"fmt"
	"strings"
	"time"
)

// Tick is one firing of a named clock boundary. Sequence is strictly
// increasing per tick name; duplicates are detectable by it.
type Tick struct {
	Name     string `json:"name"`      // e.g., "tick_1m"
	UnixTS   int64  `json:"unix_ts"`   // aligned UTC boundary
	Sequence uint64 `json:"sequence"`
}

// Time returns the tick boundary as a time.Time in UTC.
func (t Tick) Time() time.Time { return time.Unix(t.UnixTS, 0).UTC() }

// Operation is the aggregation applied by a metric on each increment.
type Operation string

const (
	OpSum     Operation = "SUM"
	OpMin     Operation = "MIN"
	OpMax     Operation = "MAX"
	OpCount   Operation = "COUNT"
	OpAverage Operation = "AVERAGE"
	OpLast    Operation = "LAST"
)

// ParseOperation normalizes and validates an aggregation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	switch op {
	case OpSum, OpMin, OpMax, OpCount, OpAverage, OpLast:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// MetricType controls what happens to the in-memory value on flush.
type MetricType string

const (
	// MetricReset returns to its initial value after every flush.
	MetricReset MetricType = "reset"
	// MetricCheckpoint accumulates across flushes; durable writes go
	// through the atomic increment RPC.
	MetricCheckpoint MetricType = "checkpoint"
	// MetricStripeBilling accumulates until a billing-cycle reset event.
	MetricStripeBilling MetricType = "stripe_billing"
)

func ParseMetricType(s string) (MetricType, error) {
	mt := MetricType(strings.ToLower(strings.TrimSpace(s)))
	switch mt {
	case MetricReset, MetricCheckpoint, MetricStripeBilling:
		return mt, nil
	case "":
		return MetricReset, nil
	}
	return "", fmt.Errorf("unknown metric type %q", s)
}

// BreachOperator compares current usage against a limit value.
type BreachOperator string

const (
	OpGTE BreachOperator = "gte"
	OpGT  BreachOperator = "gt"
	OpLTE BreachOperator = "lte"
	OpLT  BreachOperator = "lt"
	OpEQ  BreachOperator = "eq"
)

func ParseBreachOperator(s string) (BreachOperator, error) {
	op := BreachOperator(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpGTE, OpGT, OpLTE, OpLT, OpEQ:
		return op, nil
	}
	return "", fmt.Errorf("unknown breach operator %q", s)
}

// Compare evaluates current against limit under the operator.
// eq is exact float equality; callers wanting real-number metrics
// are expected to choose gte/lte instead.
func (op BreachOperator) Compare(current, limit float64) bool {
	switch op {
	case OpGTE:
		return current >= limit
	case OpGT:
		return current > limit
	case OpLTE:
		return current <= limit
	case OpLT:
		return current < limit
	case OpEQ:
		return current == limit
	}
	return false
}

// BreachAction is what the enforcement path does once a limit is breached.
type BreachAction string

const (
	ActionDeny         BreachAction = "deny"
	ActionAllowOverage BreachAction = "allow_overage"
	ActionWebhook      BreachAction = "webhook"
	ActionLog          BreachAction = "log"
)

func ParseBreachAction(s string) (BreachAction, error) {
	a := BreachAction(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionDeny, ActionAllowOverage, ActionWebhook, ActionLog:
		return a, nil
	case "":
		return ActionLog, nil
	}
	return "", fmt.Errorf("unknown breach action %q", s)
}

// Scope says whether a metric belongs to the business itself or to one
// of its customers.
type Scope string

const (
	ScopeBusiness Scope = "business"
	ScopeCustomer Scope = "customer"
)

// AccountID is the partition key "business_id[/customer_id]".
type AccountID struct {
	BusinessID string
	CustomerID string // empty for business scope
}

func (a AccountID) String() string {
	if a.CustomerID == "" {
		return a.BusinessID
	}
	return a.BusinessID + "/" + a.CustomerID
}

func (a AccountID) Scope() Scope {
	if a.CustomerID == "" {
		return ScopeBusiness
	}
	return ScopeCustomer
}

// ParseAccountID splits "business_id[/customer_id]".
func ParseAccountID(s string) (AccountID, error) {
	if s == "" {
		return AccountID{}, fmt.Errorf("empty account id")
	}
	parts := strings.SplitN(s, "/", 2)
	id := AccountID{BusinessID: parts[0]}
	if len(parts) == 2 {
		id.CustomerID = parts[1]
	}
	if id.BusinessID == "" {
		return AccountID{}, fmt.Errorf("account id %q has empty business segment", s)
	}
	return id, nil
}

// Principal is the authenticated subject derived from an API key.
type Principal struct {
	BusinessID string `json:"business_id"`
	CustomerID string `json:"customer_id,omitempty"` // set for customer_api keys
	KeyType    string `json:"key_type"`              // "business" or "customer_api"
	Admin      bool   `json:"admin,omitempty"`
}

func (p Principal) IsCustomer() bool { return p.CustomerID != "" }

// Account returns the partition the principal writes metrics under.
func (p Principal) Account() AccountID {
	return AccountID{BusinessID: p.BusinessID, CustomerID: p.CustomerID}
}

// StripeAdapter carries the provider wiring for one metric.
type StripeAdapter struct {
	PriceID            string  `json:"price_id,omitempty"`
	SubscriptionItemID string  `json:"subscription_item_id,omitempty"`
	BatchInterval      string  `json:"batch_interval,omitempty"` // tick name for usage reports
	OverageThreshold   float64 `json:"overage_threshold,omitempty"`
	OverageProductID   string  `json:"overage_product_id,omitempty"`
}

// Adapters groups per-provider integration config on a metric.
type Adapters struct {
	Stripe *StripeAdapter `json:"stripe,omitempty"`
}

// Limit is an effective cap on one metric.
type Limit struct {
	Value       float64        `json:"limit_value"`
	Operator    BreachOperator `json:"breach_operator"`
	Action      BreachAction   `json:"breach_action"`
	WebhookURLs []string       `json:"webhook_urls,omitempty"`
	MetricType  MetricType     `json:"metric_type,omitempty"`
	Source      string         `json:"source,omitempty"` // customer | plan | business
}

// BreachStatus is the enforcement verdict attached to proxy and
// increment responses.
type BreachStatus struct {
	IsBreached   bool     `json:"is_breached"`
	CurrentUsage float64  `json:"current_usage"`
	LimitValue   float64  `json:"limit_value"`
	Remaining    *float64 `json:"remaining,omitempty"`
	BreachAction string   `json:"breach_action,omitempty"`
}

// MetricDefinition is the runtime shape of one metric per account.
type MetricDefinition struct {
	MetricName    string     `json:"metric_name"`
	Operation     Operation  `json:"operation"`
	MetricType    MetricType `json:"metric_type"`
	FlushInterval string     `json:"flush_interval"` // tick name
	InitialValue  float64    `json:"initial_value"`
	Limit         *Limit     `json:"limit,omitempty"`
	Adapters      *Adapters  `json:"adapters,omitempty"`
	Precision     bool       `json:"precision,omitempty"` // unsupported mode
}

// MetricBatch is one staged flush entry, keyed in the batch store by
// tick|business|customer|metric|type.
type MetricBatch struct {
	BusinessID      string     `json:"business_id"`
	CustomerID      string     `json:"customer_id,omitempty"`
	MetricName      string     `json:"metric_name"`
	AggregatedValue float64    `json:"aggregated_value"`
	MetricType      MetricType `json:"metric_type"`
	Scope           Scope      `json:"scope"`
	Operation       Operation  `json:"operation"`
	FlushInterval   string     `json:"flush_interval"`
	WindowStart     time.Time  `json:"window_start"`
	WindowEnd       time.Time  `json:"window_end"`
	Adapters        *Adapters  `json:"adapters,omitempty"`
}

// Account returns the batch owner's partition key.
func (b MetricBatch) Account() AccountID {
	return AccountID{BusinessID: b.BusinessID, CustomerID: b.CustomerID}
}
