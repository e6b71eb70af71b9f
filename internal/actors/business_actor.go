package actors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/events"
	"github.com/tracktags/tracktags/internal/keys"
	"github.com/tracktags/tracktags/internal/registry"
)

// BusinessActor owns one tenant: its integration keys, its child
// CustomerActors, and its business-scope metrics.
type BusinessActor struct {
	businessID string
	deps       *Deps
	app        *ApplicationActor

	mailbox chan businessMsg

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}

	// Loop-owned state.
	customers map[string]*CustomerActor
	metrics   map[string]*MetricActor
}

type businessMsg interface{ isBusinessMsg() }

// KeyRequest describes a key to create. For business and customer_api
// keys Material is empty and a fresh key is generated; for stored
// credentials (stripe, fly, email) Material carries the secret.
type KeyRequest struct {
	Type       string
	Name       string
	CustomerID string
	Material   string
}

type createKeyMsg struct {
	req   KeyRequest
	reply chan createKeyReply
}

type createKeyReply struct {
	plaintext string
	row       *database.IntegrationKeyRow
	err       error
}

type deactivateKeyMsg struct {
	keyType, keyName string
	reply            chan error
}

type touchCustomerMsg struct {
	customerID string
	reply      chan touchCustomerReply
}

type touchCustomerReply struct {
	actor *CustomerActor
	err   error
}

type touchBusinessMetricMsg struct {
	def   core.MetricDefinition
	reply chan touchReply
}

func (createKeyMsg) isBusinessMsg()          {}
func (deactivateKeyMsg) isBusinessMsg()      {}
func (touchCustomerMsg) isBusinessMsg()      {}
func (touchBusinessMetricMsg) isBusinessMsg() {}

// NewBusinessActor builds the tenant root. app is the parent holding
// the auth cache.
func NewBusinessActor(deps *Deps, app *ApplicationActor, businessID string) (*BusinessActor, error) {
	if businessID == "" {
		return nil, errs.Validationf("business_id", "must not be empty")
	}
	return &BusinessActor{
		businessID: businessID,
		deps:       deps,
		app:        app,
		mailbox:    make(chan businessMsg, mailboxSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		customers:  make(map[string]*CustomerActor),
		metrics:    make(map[string]*MetricActor),
	}, nil
}

func (a *BusinessActor) Run() {
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

func (a *BusinessActor) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

// Shutdown stops the actor and every child under it.
func (a *BusinessActor) Shutdown(timeout time.Duration) error {
	a.Stop()
	select {
	case <-a.stopped:
		return nil
	case <-time.After(timeout):
		return errs.ErrReplyTimeout
	}
}

func (a *BusinessActor) cleanup() {
	for _, child := range a.customers {
		if err := child.Shutdown(askTimeout); err != nil {
			a.deps.Logger.Printf("⚠️ customer shutdown under %s: %v", a.businessID, err)
		}
	}
	for _, child := range a.metrics {
		if err := child.Shutdown(askTimeout); err != nil {
			a.deps.Logger.Printf("⚠️ metric shutdown under %s: %v", a.businessID, err)
		}
	}
	a.deps.Registry.Unregister(registry.BusinessKey(a.businessID))
	a.deps.Metrics.AddActorsLive("business", -1)
}

func (a *BusinessActor) handle(msg businessMsg) {
	switch m := msg.(type) {
	case createKeyMsg:
		plaintext, row, err := a.createKey(m.req)
		m.reply <- createKeyReply{plaintext: plaintext, row: row, err: err}
	case deactivateKeyMsg:
		m.reply <- a.deactivateKey(m.keyType, m.keyName)
	case touchCustomerMsg:
		actor, err := a.touchCustomer(m.customerID)
		m.reply <- touchCustomerReply{actor: actor, err: err}
	case touchBusinessMetricMsg:
		actor, err := a.touchMetric(m.def)
		m.reply <- touchReply{actor: actor, err: err}
	}
}

// createKey generates or accepts key material, persists the encrypted
// row, and registers auth-capable hashes in the cache. The plaintext is
// returned exactly once and never stored.
func (a *BusinessActor) createKey(req KeyRequest) (string, *database.IntegrationKeyRow, error) {
	if req.Name == "" {
		return "", nil, errs.Validationf("key_name", "must not be empty")
	}

	material := req.Material
	var err error
	switch req.Type {
	case keys.TypeBusiness:
		if material == "" {
			if material, err = keys.GenerateBusinessKey(); err != nil {
				return "", nil, err
			}
		}
	case keys.TypeCustomerAPI:
		if req.CustomerID == "" {
			return "", nil, errs.Validationf("customer_id", "required for customer_api keys")
		}
		if material == "" {
			if material, err = keys.GenerateCustomerKey(); err != nil {
				return "", nil, err
			}
		}
	default:
		if material == "" {
			return "", nil, errs.Validationf("material", "required for %s keys", req.Type)
		}
	}

	encrypted, err := a.deps.Encryptor.Encrypt(material)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt key material: %w", err)
	}

	row := &database.IntegrationKeyRow{
		BusinessID:   a.businessID,
		CustomerID:   req.CustomerID,
		KeyType:      req.Type,
		KeyName:      req.Name,
		EncryptedKey: encrypted,
		IsActive:     true,
	}
	if req.Type == keys.TypeBusiness || req.Type == keys.TypeCustomerAPI {
		row.KeyHash = keys.Hash(material)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.deps.DB.CreateIntegrationKey(ctx, row); err != nil {
		return "", nil, err
	}

	if row.KeyHash != "" {
		if err := a.app.RegisterKey(row); err != nil {
			a.deps.Logger.Printf("⚠️ auth cache register for %s/%s: %v", a.businessID, req.Name, err)
		}
	}
	a.deps.Logger.Printf("✅ created %s key %q for %s", req.Type, req.Name, a.businessID)
	return material, row, nil
}

// deactivateKey flips the row off and synchronously evicts the hash
// from the auth cache. If the ack does not arrive in time the row-store
// deactivation stands and the cache is flagged degraded.
func (a *BusinessActor) deactivateKey(keyType, keyName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row, err := a.deps.DB.DeactivateIntegrationKey(ctx, a.businessID, keyType, keyName)
	if err != nil {
		return err
	}
	if row == nil {
		return errs.NotFoundf("%s key %q for %s", keyType, keyName, a.businessID)
	}

	if row.KeyHash != "" {
		if err := a.app.EvictKey(row.KeyHash); err != nil {
			if errors.Is(err, errs.ErrReplyTimeout) {
				a.deps.Logger.Printf("⚠️ auth cache degraded: eviction ack for %s/%s timed out", a.businessID, keyName)
			} else {
				return err
			}
		}
	}

	a.deps.emit(events.TypeKeyDeactivated, "tracktags/business", a.businessID, map[string]interface{}{
		"business_id": a.businessID,
		"key_type":    keyType,
		"key_name":    keyName,
	})
	a.deps.Logger.Printf("✅ deactivated %s key %q for %s", keyType, keyName, a.businessID)
	return nil
}

func (a *BusinessActor) touchCustomer(customerID string) (*CustomerActor, error) {
	if child, ok := a.customers[customerID]; ok {
		return child, nil
	}

	key := registry.CustomerKey(a.businessID, customerID)
	boot := func() (Runnable, error) {
		return NewCustomerActor(a.deps, a.businessID, customerID)
	}
	handle, err := a.deps.Registry.LookupOrStart(key, func() (interface{}, error) {
		actor, err := NewCustomerActor(a.deps, a.businessID, customerID)
		if err != nil {
			return nil, err
		}
		a.deps.Super.Watch(key, "customer", actor, boot)
		a.deps.Metrics.AddActorsLive("customer", 1)
		return actor, nil
	})
	if err != nil {
		return nil, err
	}
	child := handle.(*CustomerActor)
	a.customers[customerID] = child
	return child, nil
}

// touchMetric ensures a business-scope metric actor (no customer_id).
func (a *BusinessActor) touchMetric(def core.MetricDefinition) (*MetricActor, error) {
	if child, ok := a.metrics[def.MetricName]; ok {
		return child, nil
	}

	account := core.AccountID{BusinessID: a.businessID}
	limit := def.Limit
	if limit == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resolved, err := a.deps.Resolver.Resolve(ctx, a.businessID, "", "", def.MetricName)
		if err != nil {
			return nil, err
		}
		limit = resolved
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
	a.metrics[def.MetricName] = child
	return child, nil
}

// ============================================================================
// PUBLIC API — message senders
// ============================================================================

func (a *BusinessActor) send(msg businessMsg) error {
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

// CreateKey issues a new integration key. The returned plaintext is the
// only copy that will ever exist.
func (a *BusinessActor) CreateKey(req KeyRequest) (string, *database.IntegrationKeyRow, error) {
	reply := make(chan createKeyReply, 1)
	if err := a.send(createKeyMsg{req: req, reply: reply}); err != nil {
		return "", nil, err
	}
	select {
	case r := <-reply:
		return r.plaintext, r.row, r.err
	case <-time.After(askTimeout):
		return "", nil, errs.ErrReplyTimeout
	}
}

// DeactivateKey disables a key and evicts it from the auth cache.
func (a *BusinessActor) DeactivateKey(keyType, keyName string) error {
	reply := make(chan error, 1)
	if err := a.send(deactivateKeyMsg{keyType: keyType, keyName: keyName, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(askTimeout):
		return errs.ErrReplyTimeout
	}
}

// TouchCustomer ensures the child CustomerActor and returns it.
func (a *BusinessActor) TouchCustomer(customerID string) (*CustomerActor, error) {
	reply := make(chan touchCustomerReply, 1)
	if err := a.send(touchCustomerMsg{customerID: customerID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.actor, r.err
	case <-time.After(askTimeout):
		return nil, errs.ErrReplyTimeout
	}
}

// TouchMetric ensures a business-scope MetricActor and returns it.
func (a *BusinessActor) TouchMetric(def core.MetricDefinition) (*MetricActor, error) {
	reply := make(chan touchReply, 1)
	if err := a.send(touchBusinessMetricMsg{def: def, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.actor, r.err
	case <-time.After(askTimeout):
		return nil, errs.ErrReplyTimeout
	}
}

// BusinessID returns the tenant this actor owns.
func (a *BusinessActor) BusinessID() string { return a.businessID }
