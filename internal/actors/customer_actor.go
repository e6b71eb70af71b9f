package actors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/events"
	"github.com/tracktags/tracktags/internal/registry"
)

// CustomerActor owns one customer's plan context, its resolved limit
// cache, and its child MetricActors.
type CustomerActor struct {
	businessID string
	customerID string
	deps       *Deps

	mailbox chan customerMsg

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}

	// Loop-owned state.
	planID   string
	limits   map[string]core.Limit
	children map[string]*MetricActor
}

type customerMsg interface{ isCustomerMsg() }

type touchMsg struct {
	def   core.MetricDefinition
	reply chan touchReply
}

type touchReply struct {
	actor *MetricActor
	err   error
}

type refreshPlanMsg struct{ reply chan error }

type resetBillingCycleMsg struct {
	reason string
	reply  chan error
}

type downgradeMsg struct{ reply chan error }

type planIDMsg struct{ reply chan string }

func (touchMsg) isCustomerMsg()             {}
func (refreshPlanMsg) isCustomerMsg()       {}
func (resetBillingCycleMsg) isCustomerMsg() {}
func (downgradeMsg) isCustomerMsg()         {}
func (planIDMsg) isCustomerMsg()            {}

// NewCustomerActor loads the customer's plan and resolves its effective
// limits. The customer row must exist.
func NewCustomerActor(deps *Deps, businessID, customerID string) (*CustomerActor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row, err := deps.DB.GetCustomer(ctx, businessID, customerID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errs.NotFoundf("customer %s/%s", businessID, customerID)
	}

	a := &CustomerActor{
		businessID: businessID,
		customerID: customerID,
		deps:       deps,
		mailbox:    make(chan customerMsg, mailboxSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		planID:     row.PlanID,
		children:   make(map[string]*MetricActor),
	}
	if err := a.resolveLimits(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *CustomerActor) resolveLimits(ctx context.Context) error {
	effective, err := a.deps.Resolver.ResolveAll(ctx, a.businessID, a.customerID, a.planID)
	if err != nil {
		return fmt.Errorf("resolve limits for %s/%s: %w", a.businessID, a.customerID, err)
	}
	a.limits = effective
	return nil
}

func (a *CustomerActor) Run() {
	defer close(a.stopped)
	for {
		select {
		case msg := <-a.mailbox:
			a.handle(msg)
		case <-a.done:
			a.cleanup()
			return
		}
	}
}

func (a *CustomerActor) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

// Shutdown stops the actor and its children and waits for completion.
func (a *CustomerActor) Shutdown(timeout time.Duration) error {
	a.Stop()
	select {
	case <-a.stopped:
		return nil
	case <-time.After(timeout):
		return errs.ErrReplyTimeout
	}
}

func (a *CustomerActor) cleanup() {
	for _, child := range a.children {
		if err := child.Shutdown(askTimeout); err != nil {
			a.deps.Logger.Printf("⚠️ child %s shutdown: %v", child.Definition().MetricName, err)
		}
	}
	a.deps.Registry.Unregister(registry.CustomerKey(a.businessID, a.customerID))
	a.deps.Metrics.AddActorsLive("customer", -1)
}

func (a *CustomerActor) handle(msg customerMsg) {
	switch m := msg.(type) {
	case touchMsg:
		actor, err := a.touch(m.def)
		m.reply <- touchReply{actor: actor, err: err}
	case refreshPlanMsg:
		m.reply <- a.refreshPlan()
	case resetBillingCycleMsg:
		m.reply <- a.resetBillingCycle(m.reason)
	case downgradeMsg:
		m.reply <- a.downgradeToFree()
	case planIDMsg:
		m.reply <- a.planID
	}
}

// touch ensures the child MetricActor exists, injecting the resolved
// limit for its name. An existing child is returned as-is.
func (a *CustomerActor) touch(def core.MetricDefinition) (*MetricActor, error) {
	if child, ok := a.children[def.MetricName]; ok {
		return child, nil
	}

	account := core.AccountID{BusinessID: a.businessID, CustomerID: a.customerID}
	var limit *core.Limit
	if def.Limit != nil {
		limit = def.Limit
	} else if l, ok := a.limits[def.MetricName]; ok {
		limit = &l
	}

	key := registry.MetricKey(account.String(), def.MetricName)
	boot := func() (Runnable, error) {
		return NewMetricActor(a.deps, account, def, limit)
	}
	handle, err := a.deps.Registry.LookupOrStart(key, func() (interface{}, error) {
		actor, err := NewMetricActor(a.deps, account, def, limit)
		if err != nil {
			return nil, err
		}
		a.deps.Super.Watch(key, "metric", actor, boot)
		a.deps.Metrics.AddActorsLive("metric", 1)
		return actor, nil
	})
	if err != nil {
		return nil, err
	}
	child := handle.(*MetricActor)
	a.children[def.MetricName] = child
	return child, nil
}

// refreshPlan re-resolves effective limits and pushes them to every
// live child.
func (a *CustomerActor) refreshPlan() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row, err := a.deps.DB.GetCustomer(ctx, a.businessID, a.customerID)
	if err != nil {
		return err
	}
	if row != nil {
		a.planID = row.PlanID
	}
	if err := a.resolveLimits(ctx); err != nil {
		return err
	}

	for name, child := range a.children {
		var limit *core.Limit
		if l, ok := a.limits[name]; ok {
			limit = &l
		}
		if err := child.UpdateLimit(limit); err != nil {
			a.deps.Logger.Printf("⚠️ push limit to %s/%s: %v", a.customerID, name, err)
		}
	}
	return nil
}

// resetBillingCycle returns reset and stripe_billing metrics to their
// initial values and persists the zero samples.
func (a *CustomerActor) resetBillingCycle(reason string) error {
	var firstErr error
	for name, child := range a.children {
		mt := child.Definition().MetricType
		if mt != core.MetricReset && mt != core.MetricStripeBilling {
			continue
		}
		if err := child.ResetCycle(reason); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("reset %s: %w", name, err)
		}
	}
	a.deps.emit(events.TypeBillingCycleReset, "tracktags/customer", a.customerID, map[string]interface{}{
		"business_id": a.businessID,
		"customer_id": a.customerID,
		"reason":      reason,
	})
	return firstErr
}

// downgradeToFree reassigns the customer to the business free plan and
// refreshes limits from it.
func (a *CustomerActor) downgradeToFree() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	free, err := a.deps.DB.GetFreePlan(ctx, a.businessID)
	if err != nil {
		return err
	}
	if free == nil {
		return errs.NotFoundf("business %s has no free plan", a.businessID)
	}
	if err := a.deps.DB.UpdateCustomerSubscription(ctx, a.businessID, a.customerID, map[string]interface{}{
		"plan_id":         free.ID,
		"stripe_price_id": "",
	}); err != nil {
		return err
	}
	a.planID = free.ID

	a.deps.Logger.Printf("⚠️ downgraded %s/%s to free plan", a.businessID, a.customerID)
	a.deps.emit(events.TypePlanChanged, "tracktags/customer", a.customerID, map[string]interface{}{
		"business_id": a.businessID,
		"customer_id": a.customerID,
		"plan_id":     free.ID,
		"reason":      "downgrade_to_free",
	})
	return a.refreshPlan()
}

// ============================================================================
// PUBLIC API — message senders
// ============================================================================

func (a *CustomerActor) send(msg customerMsg) error {
	select {
	case <-a.done:
		return errs.ErrActorStopped
	default:
	}
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return errs.ErrActorStopped
	default:
		return errs.ErrMailboxFull
	}
}

// Touch ensures a child MetricActor for the definition and returns it.
func (a *CustomerActor) Touch(def core.MetricDefinition) (*MetricActor, error) {
	reply := make(chan touchReply, 1)
	if err := a.send(touchMsg{def: def, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.actor, r.err
	case <-time.After(askTimeout):
		return nil, errs.ErrReplyTimeout
	}
}

// RefreshPlan re-resolves limits and pushes them to live children.
func (a *CustomerActor) RefreshPlan() error {
	reply := make(chan error, 1)
	if err := a.send(refreshPlanMsg{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(askTimeout):
		return errs.ErrReplyTimeout
	}
}

// ResetBillingCycle starts a fresh billing window for the customer.
func (a *CustomerActor) ResetBillingCycle(reason string) error {
	reply := make(chan error, 1)
	if err := a.send(resetBillingCycleMsg{reason: reason, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(askTimeout):
		return errs.ErrReplyTimeout
	}
}

// DowngradeToFree moves the customer onto the business free plan.
func (a *CustomerActor) DowngradeToFree() error {
	reply := make(chan error, 1)
	if err := a.send(downgradeMsg{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(askTimeout):
		return errs.ErrReplyTimeout
	}
}

// PlanID returns the customer's current plan assignment.
func (a *CustomerActor) PlanID() (string, error) {
	reply := make(chan string, 1)
	if err := a.send(planIDMsg{reply: reply}); err != nil {
		return "", err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-time.After(askTimeout):
		return "", errs.ErrReplyTimeout
	}
}
