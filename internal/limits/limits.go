// Package limits resolves the effective cap for a metric and evaluates
// breaches against it. Precedence is fixed: a customer override beats a
// plan limit, which beats a business default.
package limits

import (
	"context"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
)

// Source labels recorded on a resolved limit.
const (
	SourceCustomer = "customer"
	SourcePlan     = "plan"
	SourceBusiness = "business"
)

// FromRow converts one plan_limits row to its runtime shape.
func FromRow(row database.PlanLimitRow, source string) core.Limit {
	op, err := core.ParseBreachOperator(row.BreachOperator)
	if err != nil {
		op = core.OpGTE
	}
	action, err := core.ParseBreachAction(row.BreachAction)
	if err != nil {
		action = core.ActionLog
	}
	mt, err := core.ParseMetricType(row.MetricType)
	if err != nil {
		mt = core.MetricReset
	}
	return core.Limit{
		Value:       row.LimitValue,
		Operator:    op,
		Action:      action,
		WebhookURLs: row.WebhookURLs,
		MetricType:  mt,
		Source:      source,
	}
}

// Merge folds the three scopes into one map of effective limits per
// metric name. Later scopes never displace earlier ones.
func Merge(overrides, planLimits, defaults []database.PlanLimitRow) map[string]core.Limit {
	effective := make(map[string]core.Limit)
	for _, row := range overrides {
		effective[row.MetricName] = FromRow(row, SourceCustomer)
	}
	for _, row := range planLimits {
		if _, taken := effective[row.MetricName]; !taken {
			effective[row.MetricName] = FromRow(row, SourcePlan)
		}
	}
	for _, row := range defaults {
		if _, taken := effective[row.MetricName]; !taken {
			effective[row.MetricName] = FromRow(row, SourceBusiness)
		}
	}
	return effective
}

// Evaluate produces the enforcement verdict for a current value under a
// limit. A nil limit never breaches.
func Evaluate(current float64, limit *core.Limit) core.BreachStatus {
	if limit == nil {
		return core.BreachStatus{CurrentUsage: current}
	}
	status := core.BreachStatus{
		IsBreached:   limit.Operator.Compare(current, limit.Value),
		CurrentUsage: current,
		LimitValue:   limit.Value,
		BreachAction: string(limit.Action),
	}
	// Remaining only makes sense for upper-bound operators.
	if limit.Operator == core.OpGTE || limit.Operator == core.OpGT {
		remaining := limit.Value - current
		if remaining < 0 {
			remaining = 0
		}
		status.Remaining = &remaining
	}
	return status
}

// LimitStore is the slice of the row store the resolver reads.
type LimitStore interface {
	GetCustomerOverrideLimits(ctx context.Context, customerID string) ([]database.PlanLimitRow, error)
	GetPlanLimits(ctx context.Context, planID string) ([]database.PlanLimitRow, error)
	GetBusinessDefaultLimits(ctx context.Context, businessID string) ([]database.PlanLimitRow, error)
}

// Resolver loads and merges limits from the row store.
type Resolver struct {
	store LimitStore
}

func NewResolver(store LimitStore) *Resolver {
	return &Resolver{store: store}
}

// ResolveAll returns the effective limit per metric for one customer.
// planID may be empty (no plan assigned); customerID may be empty for
// business-scope resolution, which then only sees business defaults.
func (r *Resolver) ResolveAll(ctx context.Context, businessID, customerID, planID string) (map[string]core.Limit, error) {
	var overrides, planLimits []database.PlanLimitRow
	var err error

	if customerID != "" {
		overrides, err = r.store.GetCustomerOverrideLimits(ctx, customerID)
		if err != nil {
			return nil, err
		}
	}
	if planID != "" {
		planLimits, err = r.store.GetPlanLimits(ctx, planID)
		if err != nil {
			return nil, err
		}
	}
	defaults, err := r.store.GetBusinessDefaultLimits(ctx, businessID)
	if err != nil {
		return nil, err
	}
	return Merge(overrides, planLimits, defaults), nil
}

// Resolve returns the effective limit for one metric, or nil when no
// scope defines one.
func (r *Resolver) Resolve(ctx context.Context, businessID, customerID, planID, metricName string) (*core.Limit, error) {
	all, err := r.ResolveAll(ctx, businessID, customerID, planID)
	if err != nil {
		return nil, err
	}
	if limit, ok := all[metricName]; ok {
		return &limit, nil
	}
	return nil, nil
}
