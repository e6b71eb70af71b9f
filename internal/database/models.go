// Package database — row models mirroring the Supabase tables.
package database

import (
	"encoding/json"
	"time"
)

// BusinessRow mirrors the businesses table.
type BusinessRow struct {
	BusinessID         string     `json:"business_id"`
	BusinessName       string     `json:"business_name"`
	Email              string     `json:"email"`
	StripeCustomerID   string     `json:"stripe_customer_id,omitempty"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
	PlanType           string     `json:"plan_type,omitempty"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
	PurgeAfter         *time.Time `json:"purge_after,omitempty"`
	CreatedAt          string     `json:"created_at,omitempty"` // string to handle Supabase timestamp format
	UpdatedAt          string     `json:"updated_at,omitempty"`
}

// CustomerRow mirrors the customers table.
type CustomerRow struct {
	ID                   string     `json:"id,omitempty"`
	BusinessID           string     `json:"business_id"`
	CustomerID           string     `json:"customer_id"` // unique within business
	CustomerName         string     `json:"customer_name,omitempty"`
	Email                string     `json:"email,omitempty"`
	PlanID               string     `json:"plan_id,omitempty"`
	StripePriceID        string     `json:"stripe_price_id,omitempty"`
	StripeCustomerID     string     `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
	SubscriptionEndsAt   *time.Time `json:"subscription_ends_at,omitempty"`
	UserID               string     `json:"user_id,omitempty"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
	PurgeAfter           *time.Time `json:"purge_after,omitempty"`
	CreatedAt            string     `json:"created_at,omitempty"`
	UpdatedAt            string     `json:"updated_at,omitempty"`
}

// PlanRow mirrors the plans table. Each business keeps one row with
// plan_name "free_plan" as the downgrade fallback.
type PlanRow struct {
	ID            string `json:"id,omitempty"`
	BusinessID    string `json:"business_id"`
	PlanName      string `json:"plan_name"`
	StripePriceID string `json:"stripe_price_id,omitempty"`
	PlanStatus    string `json:"plan_status,omitempty"` // active | archived
	CreatedAt     string `json:"created_at,omitempty"`
}

// PlanLimitRow mirrors the plan_limits table. Exactly one of PlanID,
// BusinessID, CustomerID is set; that column decides the scope
// (customer override > plan > business default).
type PlanLimitRow struct {
	ID             string          `json:"id,omitempty"`
	PlanID         string          `json:"plan_id,omitempty"`
	BusinessID     string          `json:"business_id,omitempty"`
	CustomerID     string          `json:"customer_id,omitempty"`
	MetricName     string          `json:"metric_name"`
	LimitValue     float64         `json:"limit_value"`
	LimitPeriod    string          `json:"limit_period,omitempty"` // tick name
	BreachOperator string          `json:"breach_operator"`
	BreachAction   string          `json:"breach_action"`
	WebhookURLs    []string        `json:"webhook_urls,omitempty"`
	MetricType     string          `json:"metric_type,omitempty"` // default "reset"
	Adapters       json.RawMessage `json:"adapters,omitempty"`
	CreatedAt      string          `json:"created_at,omitempty"`
}

// MetricRow mirrors the metrics table: one row per flush, plus one
// definition row (is_definition=true) per metric holding its runtime
// shape. The limit columns are set only on definition rows carrying an
// inline limit; BreachOperator non-empty marks one present.
type MetricRow struct {
	ID             string          `json:"id,omitempty"`
	BusinessID     string          `json:"business_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	MetricName     string          `json:"metric_name"`
	Value          float64         `json:"value"`
	MetricType     string          `json:"metric_type"`
	Scope          string          `json:"scope"` // business | customer
	Operation      string          `json:"operation,omitempty"`
	FlushInterval  string          `json:"flush_interval,omitempty"`
	InitialValue   float64         `json:"initial_value,omitempty"`
	LimitValue     float64         `json:"limit_value,omitempty"`
	BreachOperator string          `json:"breach_operator,omitempty"`
	BreachAction   string          `json:"breach_action,omitempty"`
	WebhookURLs    []string        `json:"webhook_urls,omitempty"`
	IsDefinition   bool            `json:"is_definition,omitempty"`
	Adapters       json.RawMessage `json:"adapters,omitempty"`
	FlushedAt      time.Time       `json:"flushed_at"`
}

// IntegrationKeyRow mirrors the integration_keys table. Only
// (encrypted_key, key_hash) persist; plaintext never does post-issue.
type IntegrationKeyRow struct {
	ID           string          `json:"id,omitempty"`
	BusinessID   string          `json:"business_id"`
	CustomerID   string          `json:"customer_id,omitempty"` // set for customer_api keys
	KeyType      string          `json:"key_type"`
	KeyName      string          `json:"key_name"`
	EncryptedKey string          `json:"encrypted_key"`
	KeyHash      string          `json:"key_hash"`
	IsActive     bool            `json:"is_active"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	UpdatedAt    string          `json:"updated_at,omitempty"`
}

// ProvisioningTaskRow mirrors the provisioning_queue table.
type ProvisioningTaskRow struct {
	ID             string          `json:"id,omitempty"`
	BusinessID     string          `json:"business_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	Action         string          `json:"action"`
	Provider       string          `json:"provider"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"` // pending | in_progress | done | dead_letter
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      string          `json:"created_at,omitempty"`
	UpdatedAt      string          `json:"updated_at,omitempty"`
}

// BillingEventRow mirrors the billing_events table.
type BillingEventRow struct {
	EventID      string          `json:"event_id"`
	BusinessID   string          `json:"business_id,omitempty"`
	EventType    string          `json:"event_type"`
	RawPayload   json.RawMessage `json:"raw_payload"`
	Status       string          `json:"status"` // pending | processing | completed | failed
	RetryCount   int             `json:"retry_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	UpdatedAt    string          `json:"updated_at,omitempty"`
}

// CustomerMachineRow mirrors the customer_machines table.
type CustomerMachineRow struct {
	MachineID    string          `json:"machine_id"`
	BusinessID   string          `json:"business_id"`
	CustomerID   string          `json:"customer_id"`
	Provider     string          `json:"provider"`
	MachineState string          `json:"machine_state"`
	Region       string          `json:"region,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	UpdatedAt    string          `json:"updated_at,omitempty"`
}

// AuditLogRow mirrors the audit_logs table.
type AuditLogRow struct {
	ID         string          `json:"id,omitempty"`
	BusinessID string          `json:"business_id,omitempty"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
}

// ReconciliationRow mirrors the reconciliation table: one row per pass.
type ReconciliationRow struct {
	ID                string    `json:"id,omitempty"`
	RunType           string    `json:"run_type"` // scheduled | manual | cli
	BusinessesChecked int       `json:"businesses_checked"`
	CustomersChecked  int       `json:"customers_checked"`
	MismatchesFound   int       `json:"mismatches_found"`
	MismatchesFixed   int       `json:"mismatches_fixed"`
	Errors            int       `json:"errors"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}
