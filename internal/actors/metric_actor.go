package actors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/events"
	"github.com/tracktags/tracktags/internal/limits"
	"github.com/tracktags/tracktags/internal/registry"
	"github.com/tracktags/tracktags/internal/ticker"
)

// MetricActor owns one metric for one account: its live aggregate, its
// effective limit, and its breach state. Every mutation flows through
// the mailbox, so evaluation is race-free without locks.
type MetricActor struct {
	account core.AccountID
	def     core.MetricDefinition
	deps    *Deps

	mailbox chan metricMsg
	ticks   <-chan core.Tick
	unsub   func()

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}

	// Loop-owned state. Never touched outside Run.
	limit    *core.Limit
	breached bool
	dirty    bool // increments since the last staged flush
	lastSeq  uint64
}

type metricMsg interface{ isMetricMsg() }

type incrementMsg struct {
	value float64
	reply chan incrementReply
}

type incrementReply struct {
	value  float64
	status core.BreachStatus
	err    error
}

type updateLimitMsg struct {
	limit *core.Limit
	reply chan struct{}
}

type snapshotMsg struct{ reply chan Snapshot }

type resetCycleMsg struct {
	reason string
	reply  chan error
}

func (incrementMsg) isMetricMsg()   {}
func (updateLimitMsg) isMetricMsg() {}
func (snapshotMsg) isMetricMsg()    {}
func (resetCycleMsg) isMetricMsg()  {}

// Snapshot is a point-in-time read of the actor's state, used by the
// gating proxy to evaluate without mutating.
type Snapshot struct {
	Account      core.AccountID
	MetricName   string
	MetricType   core.MetricType
	Value        float64
	Limit        *core.Limit
	BreachStatus core.BreachStatus
	Adapters     *core.Adapters
}

// NewMetricActor validates the definition, seeds the live value, and
// subscribes to the metric's flush tick. The caller registers the actor
// and hands it to the supervisor.
func NewMetricActor(deps *Deps, account core.AccountID, def core.MetricDefinition, limit *core.Limit) (*MetricActor, error) {
	if def.Precision {
		return nil, fmt.Errorf("precision mode for %s: %w", def.MetricName, errs.ErrNotImplemented)
	}
	if def.MetricName == "" {
		return nil, errs.Validationf("metric_name", "must not be empty")
	}
	if !ticker.IsValid(def.FlushInterval) {
		return nil, errs.Validationf("flush_interval", "unknown tick %q", def.FlushInterval)
	}
	if _, err := core.ParseOperation(string(def.Operation)); err != nil {
		return nil, errs.Validationf("operation", "%v", err)
	}

	a := &MetricActor{
		account: account,
		def:     def,
		deps:    deps,
		mailbox: make(chan metricMsg, mailboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		limit:   limit,
	}

	if err := a.restore(); err != nil {
		return nil, err
	}

	ticks, unsub, err := deps.Bus.Subscribe(def.FlushInterval)
	if err != nil {
		return nil, err
	}
	a.ticks = ticks
	a.unsub = unsub

	// Seed breach state without firing edge actions: a restart over an
	// already-breached metric is not a new breach.
	value, err := deps.Store.Get(LiveTable, a.liveKey())
	if err == nil {
		a.breached = limits.Evaluate(value, a.limit).IsBreached
	}
	return a, nil
}

func (a *MetricActor) liveKey() string {
	return a.account.String() + "|" + a.def.MetricName
}

// restore seeds the live value. Cumulative types resume from the latest
// flushed row; reset types start a fresh window at their initial value.
func (a *MetricActor) restore() error {
	err := a.deps.Store.Create(LiveTable, a.liveKey(), a.def.Operation, a.def.InitialValue)
	if err != nil && !errors.Is(err, errs.ErrEntryExists) {
		return err
	}

	if a.def.MetricType == core.MetricReset {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	row, err := a.deps.DB.GetLatestMetricValue(ctx, a.account.BusinessID, a.account.CustomerID, a.def.MetricName)
	if err != nil {
		return fmt.Errorf("restore %s: %w", a.def.MetricName, err)
	}
	if row != nil {
		return a.deps.Store.Reset(LiveTable, a.liveKey(), row.Value)
	}
	return nil
}

// Run drains the mailbox and the tick channel until Stop.
func (a *MetricActor) Run() {
	defer close(a.stopped)
	for {
		select {
		case msg := <-a.mailbox:
			a.handle(msg)
		case t := <-a.ticks:
			a.onTick(t)
		case <-a.done:
			a.cleanup()
			return
		}
	}
}

// Stop triggers shutdown; Run performs the cleanup.
func (a *MetricActor) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

// Shutdown stops the actor and waits for its staged rows to drain.
func (a *MetricActor) Shutdown(timeout time.Duration) error {
	a.Stop()
	select {
	case <-a.stopped:
		return nil
	case <-time.After(timeout):
		return errs.ErrReplyTimeout
	}
}

func (a *MetricActor) cleanup() {
	if a.unsub != nil {
		a.unsub()
	}
	if err := a.deps.Batches.DrainOwned(a.account.BusinessID, a.account.CustomerID, a.def.MetricName); err != nil {
		a.deps.Logger.Printf("⚠️ drain staged rows for %s/%s: %v", a.account, a.def.MetricName, err)
	}
	if err := a.deps.Store.Delete(LiveTable, a.liveKey()); err != nil && !errors.Is(err, errs.ErrEntryNotFound) {
		a.deps.Logger.Printf("⚠️ drop live value for %s/%s: %v", a.account, a.def.MetricName, err)
	}
	a.deps.Registry.Unregister(registry.MetricKey(a.account.String(), a.def.MetricName))
	a.deps.Metrics.AddActorsLive("metric", -1)
}

func (a *MetricActor) handle(msg metricMsg) {
	switch m := msg.(type) {
	case incrementMsg:
		m.reply <- a.applyIncrement(m.value)
	case updateLimitMsg:
		a.limit = m.limit
		// Recompute silently: pushed limits must not fire edge actions.
		if value, err := a.deps.Store.Get(LiveTable, a.liveKey()); err == nil {
			a.breached = limits.Evaluate(value, a.limit).IsBreached
		}
		m.reply <- struct{}{}
	case snapshotMsg:
		m.reply <- a.snapshot()
	case resetCycleMsg:
		m.reply <- a.resetCycle(m.reason)
	}
}

func (a *MetricActor) applyIncrement(value float64) incrementReply {
	var newValue float64
	var err error

	if a.def.MetricType == core.MetricCheckpoint {
		// Durable atomic increment first, then mirror the returned
		// value. Read-modify-write here would lose updates.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		newValue, err = a.deps.DB.IncrementCheckpoint(ctx, a.account.BusinessID, a.account.CustomerID, a.def.MetricName, value)
		if err == nil {
			err = a.deps.Store.Reset(LiveTable, a.liveKey(), newValue)
		}
	} else {
		newValue, err = a.deps.Store.Add(LiveTable, a.liveKey(), value)
	}
	if err != nil {
		return incrementReply{err: err}
	}

	a.dirty = true
	a.deps.Metrics.RecordIncrement(string(a.account.Scope()))

	status := limits.Evaluate(newValue, a.limit)
	a.transition(status)
	return incrementReply{value: newValue, status: status}
}

// transition fires edge-triggered breach side effects. A value that
// stays on one side of the limit never re-fires.
func (a *MetricActor) transition(status core.BreachStatus) {
	if status.IsBreached == a.breached {
		return
	}
	a.breached = status.IsBreached
	a.deps.Metrics.RecordBreach(a.account.BusinessID, status.IsBreached)

	data := map[string]interface{}{
		"business_id":   a.account.BusinessID,
		"customer_id":   a.account.CustomerID,
		"metric_name":   a.def.MetricName,
		"current_usage": status.CurrentUsage,
		"limit_value":   status.LimitValue,
		"breach_action": status.BreachAction,
	}

	if status.IsBreached {
		a.deps.Logger.Printf("⚠️ breach: %s/%s at %.2f (limit %.2f, action %s)",
			a.account, a.def.MetricName, status.CurrentUsage, status.LimitValue, status.BreachAction)
		a.deps.emit(events.TypeMetricBreach, "tracktags/metric", a.def.MetricName, data)
		if a.limit != nil && (a.limit.Action == core.ActionWebhook || len(a.limit.WebhookURLs) > 0) {
			a.deps.Fanout.Deliver(a.limit.WebhookURLs, BreachNotification{
				Event:        "limit.breached",
				BusinessID:   a.account.BusinessID,
				CustomerID:   a.account.CustomerID,
				MetricName:   a.def.MetricName,
				BreachStatus: status,
				OccurredAt:   time.Now().UTC(),
			})
		}
	} else {
		a.deps.Logger.Printf("✅ recovered: %s/%s at %.2f", a.account, a.def.MetricName, status.CurrentUsage)
		a.deps.emit(events.TypeMetricRecovered, "tracktags/metric", a.def.MetricName, data)
		if a.limit != nil && len(a.limit.WebhookURLs) > 0 {
			a.deps.Fanout.Deliver(a.limit.WebhookURLs, BreachNotification{
				Event:        "limit.recovered",
				BusinessID:   a.account.BusinessID,
				CustomerID:   a.account.CustomerID,
				MetricName:   a.def.MetricName,
				BreachStatus: status,
				OccurredAt:   time.Now().UTC(),
			})
		}
	}
}

// onTick stages the window for the drainer, then applies the per-type
// post-flush behavior.
func (a *MetricActor) onTick(t core.Tick) {
	if t.Name != a.def.FlushInterval {
		return
	}
	// The bus sequence is strictly increasing; anything else is a
	// duplicate from a reconnect.
	if t.Sequence != 0 && t.Sequence <= a.lastSeq {
		return
	}
	a.lastSeq = t.Sequence
	a.deps.Metrics.RecordTick(t.Name)

	if !a.dirty {
		return // nothing happened this window
	}

	value, err := a.deps.Store.Get(LiveTable, a.liveKey())
	if err != nil {
		a.deps.Logger.Printf("❌ read live value for %s/%s: %v", a.account, a.def.MetricName, err)
		return
	}

	start, end := ticker.Window(t.Name, t.Time())
	batch := core.MetricBatch{
		BusinessID:      a.account.BusinessID,
		CustomerID:      a.account.CustomerID,
		MetricName:      a.def.MetricName,
		AggregatedValue: value,
		MetricType:      a.def.MetricType,
		Scope:           a.account.Scope(),
		Operation:       a.def.Operation,
		FlushInterval:   a.def.FlushInterval,
		WindowStart:     start,
		WindowEnd:       end,
		Adapters:        a.def.Adapters,
	}

	if a.def.MetricType == core.MetricReset {
		// Window deltas fold: a leftover stage from a failed flush plus
		// this window is still the correct aggregate.
		err = a.deps.Batches.AddBatch(t.Name, batch)
	} else {
		// Cumulative totals supersede any leftover stage.
		err = a.deps.Batches.ReplaceBatch(t.Name, batch)
	}
	if err != nil {
		a.deps.Logger.Printf("❌ stage %s/%s for %s: %v", a.account, a.def.MetricName, t.Name, err)
		return
	}
	a.dirty = false

	if a.def.MetricType == core.MetricReset {
		if err := a.deps.Store.Reset(LiveTable, a.liveKey(), a.def.InitialValue); err != nil {
			a.deps.Logger.Printf("❌ reset %s/%s: %v", a.account, a.def.MetricName, err)
			return
		}
		a.transition(limits.Evaluate(a.def.InitialValue, a.limit))
	}
	// checkpoint and stripe_billing keep accumulating.
}

// resetCycle returns the metric to its initial value and persists the
// zero sample. Billing-cycle boundaries use this for reset and
// stripe_billing metrics.
func (a *MetricActor) resetCycle(reason string) error {
	if a.def.MetricType == core.MetricCheckpoint {
		return nil // checkpoints survive billing cycles
	}
	if err := a.deps.Store.Reset(LiveTable, a.liveKey(), a.def.InitialValue); err != nil {
		return err
	}
	a.dirty = false

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.deps.DB.FlushBatch(ctx, []core.MetricBatch{{
		BusinessID:      a.account.BusinessID,
		CustomerID:      a.account.CustomerID,
		MetricName:      a.def.MetricName,
		AggregatedValue: a.def.InitialValue,
		MetricType:      a.def.MetricType,
		Scope:           a.account.Scope(),
		Operation:       a.def.Operation,
		FlushInterval:   a.def.FlushInterval,
		WindowStart:     now,
		WindowEnd:       now,
		Adapters:        a.def.Adapters,
	}})
	if err != nil {
		return fmt.Errorf("persist cycle reset for %s: %w", a.def.MetricName, err)
	}

	a.deps.Logger.Printf("✅ cycle reset %s/%s (%s)", a.account, a.def.MetricName, reason)
	a.transition(limits.Evaluate(a.def.InitialValue, a.limit))
	return nil
}

func (a *MetricActor) snapshot() Snapshot {
	value, err := a.deps.Store.Get(LiveTable, a.liveKey())
	if err != nil {
		value = a.def.InitialValue
	}
	return Snapshot{
		Account:      a.account,
		MetricName:   a.def.MetricName,
		MetricType:   a.def.MetricType,
		Value:        value,
		Limit:        a.limit,
		BreachStatus: limits.Evaluate(value, a.limit),
		Adapters:     a.def.Adapters,
	}
}

// ============================================================================
// PUBLIC API — message senders
// ============================================================================

func (a *MetricActor) send(msg metricMsg) error {
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

// Increment applies a delta and returns the new value plus the
// enforcement verdict.
func (a *MetricActor) Increment(value float64) (float64, core.BreachStatus, error) {
	reply := make(chan incrementReply, 1)
	if err := a.send(incrementMsg{value: value, reply: reply}); err != nil {
		return 0, core.BreachStatus{}, err
	}
	select {
	case r := <-reply:
		return r.value, r.status, r.err
	case <-time.After(askTimeout):
		return 0, core.BreachStatus{}, errs.ErrReplyTimeout
	}
}

// UpdateLimit atomically replaces the effective limit. Breach state is
// recomputed without firing edge actions.
func (a *MetricActor) UpdateLimit(limit *core.Limit) error {
	reply := make(chan struct{}, 1)
	if err := a.send(updateLimitMsg{limit: limit, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-time.After(askTimeout):
		return errs.ErrReplyTimeout
	}
}

// Snapshot reads the current state without mutating it.
func (a *MetricActor) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := a.send(snapshotMsg{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-time.After(askTimeout):
		return Snapshot{}, errs.ErrReplyTimeout
	}
}

// ResetCycle resets the metric for a new billing cycle.
func (a *MetricActor) ResetCycle(reason string) error {
	reply := make(chan error, 1)
	if err := a.send(resetCycleMsg{reason: reason, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(askTimeout):
		return errs.ErrReplyTimeout
	}
}

// Definition returns the actor's immutable shape.
func (a *MetricActor) Definition() core.MetricDefinition { return a.def }

// Account returns the partition the actor writes under.
func (a *MetricActor) Account() core.AccountID { return a.account }
