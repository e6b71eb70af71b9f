package actors

import (
	"context"
	"sync"
	"time"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/keys"
	"github.com/tracktags/tracktags/internal/registry"
)

// AuthCache maps key hashes to principals. Reads are concurrent;
// mutation happens only inside the ApplicationActor loop.
type AuthCache struct {
	mu           sync.RWMutex
	businessKeys map[string]string        // hash -> business_id
	customerKeys map[string]customerEntry // hash -> (business, customer)
	revoked      map[string]struct{}      // deactivated hashes, refused without a row-store read
}

type customerEntry struct {
	businessID string
	customerID string
}

func newAuthCache() *AuthCache {
	return &AuthCache{
		businessKeys: make(map[string]string),
		customerKeys: make(map[string]customerEntry),
		revoked:      make(map[string]struct{}),
	}
}

// lookup resolves a hash to a principal.
func (c *AuthCache) lookup(hash string) (core.Principal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if biz, ok := c.businessKeys[hash]; ok {
		return core.Principal{BusinessID: biz, KeyType: keys.TypeBusiness}, true
	}
	if e, ok := c.customerKeys[hash]; ok {
		return core.Principal{BusinessID: e.businessID, CustomerID: e.customerID, KeyType: keys.TypeCustomerAPI}, true
	}
	return core.Principal{}, false
}

// isRevoked reports whether a hash belongs to a deactivated key.
func (c *AuthCache) isRevoked(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.revoked[hash]
	return ok
}

func (c *AuthCache) register(row *database.IntegrationKeyRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.revoked, row.KeyHash)
	switch row.KeyType {
	case keys.TypeBusiness:
		c.businessKeys[row.KeyHash] = row.BusinessID
	case keys.TypeCustomerAPI:
		c.customerKeys[row.KeyHash] = customerEntry{businessID: row.BusinessID, customerID: row.CustomerID}
	}
}

// evict drops the positive entry and leaves a tombstone so the dead
// hash keeps failing auth without ever reaching the row store.
func (c *AuthCache) evict(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.businessKeys, hash)
	delete(c.customerKeys, hash)
	c.revoked[hash] = struct{}{}
}

// Len reports cached entries, for the health endpoint.
func (c *AuthCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.businessKeys) + len(c.customerKeys)
}

// ApplicationActor is the root of the tree. It owns the auth cache and
// the registry of BusinessActors.
type ApplicationActor struct {
	deps  *Deps
	cache *AuthCache

	mailbox chan appMsg

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

type appMsg interface{ isAppMsg() }

type registerKeyMsg struct {
	row   *database.IntegrationKeyRow
	reply chan struct{}
}

type evictKeyMsg struct {
	hash  string
	reply chan struct{}
}

func (registerKeyMsg) isAppMsg() {}
func (evictKeyMsg) isAppMsg()    {}

// NewApplicationActor builds the root actor. Call Run (usually under
// the supervisor) before serving traffic.
func NewApplicationActor(deps *Deps) *ApplicationActor {
	return &ApplicationActor{
		deps:    deps,
		cache:   newAuthCache(),
		mailbox: make(chan appMsg, mailboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (a *ApplicationActor) Run() {
	defer close(a.stopped)
	for {
		select {
		case msg := <-a.mailbox:
			switch m := msg.(type) {
			case registerKeyMsg:
				a.cache.register(m.row)
				m.reply <- struct{}{}
			case evictKeyMsg:
				a.cache.evict(m.hash)
				m.reply <- struct{}{}
			}
		case <-a.done:
			a.deps.Registry.Unregister(registry.ApplicationKey())
			return
		}
	}
}

func (a *ApplicationActor) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

// Shutdown stops the root actor and waits for the loop to exit.
func (a *ApplicationActor) Shutdown(timeout time.Duration) error {
	a.Stop()
	select {
	case <-a.stopped:
		return nil
	case <-time.After(timeout):
		return errs.ErrReplyTimeout
	}
}

// Authenticate resolves a bearer key to a principal: hash, cache, and
// on miss a single row-store lookup that backfills the cache.
func (a *ApplicationActor) Authenticate(ctx context.Context, rawKey string) (core.Principal, error) {
	if rawKey == "" {
		return core.Principal{}, errs.ErrUnauthorized
	}
	hash := keys.Hash(rawKey)

	if p, ok := a.cache.lookup(hash); ok {
		a.deps.Metrics.RecordAuthCache(true)
		return p, nil
	}
	if a.cache.isRevoked(hash) {
		a.deps.Metrics.RecordAuthCache(true)
		return core.Principal{}, errs.ErrUnauthorized
	}
	a.deps.Metrics.RecordAuthCache(false)

	row, err := a.deps.DB.GetKeyByHash(ctx, hash)
	if err != nil {
		return core.Principal{}, err
	}
	if row == nil || !row.IsActive {
		return core.Principal{}, errs.ErrUnauthorized
	}

	switch row.KeyType {
	case keys.TypeBusiness:
		if err := a.RegisterKey(row); err != nil {
			return core.Principal{}, err
		}
		return core.Principal{BusinessID: row.BusinessID, KeyType: keys.TypeBusiness}, nil
	case keys.TypeCustomerAPI:
		if err := a.RegisterKey(row); err != nil {
			return core.Principal{}, err
		}
		return core.Principal{BusinessID: row.BusinessID, CustomerID: row.CustomerID, KeyType: keys.TypeCustomerAPI}, nil
	}
	// Stored credentials (stripe, fly, email) never authenticate requests.
	return core.Principal{}, errs.ErrUnauthorized
}

// RegisterKey adds an auth-capable key to the cache and waits for the ack.
func (a *ApplicationActor) RegisterKey(row *database.IntegrationKeyRow) error {
	reply := make(chan struct{}, 1)
	select {
	case a.mailbox <- registerKeyMsg{row: row, reply: reply}:
	case <-a.done:
		return errs.ErrActorStopped
	default:
		return errs.ErrMailboxFull
	}
	select {
	case <-reply:
		return nil
	case <-time.After(askTimeout):
		return errs.ErrReplyTimeout
	}
}

// EvictKey removes a hash from the cache, waiting up to a second for
// the ack. Key deactivation calls this synchronously so a dropped key
// stops authenticating within one second.
func (a *ApplicationActor) EvictKey(hash string) error {
	reply := make(chan struct{}, 1)
	select {
	case a.mailbox <- evictKeyMsg{hash: hash, reply: reply}:
	case <-a.done:
		return errs.ErrActorStopped
	default:
		return errs.ErrMailboxFull
	}
	select {
	case <-reply:
		return nil
	case <-time.After(evictTimeout):
		return errs.ErrReplyTimeout
	}
}

// TouchBusiness ensures the BusinessActor for a tenant and returns it.
func (a *ApplicationActor) TouchBusiness(businessID string) (*BusinessActor, error) {
	key := registry.BusinessKey(businessID)
	boot := func() (Runnable, error) {
		return NewBusinessActor(a.deps, a, businessID)
	}
	handle, err := a.deps.Registry.LookupOrStart(key, func() (interface{}, error) {
		actor, err := NewBusinessActor(a.deps, a, businessID)
		if err != nil {
			return nil, err
		}
		a.deps.Super.Watch(key, "business", actor, boot)
		a.deps.Metrics.AddActorsLive("business", 1)
		return actor, nil
	})
	if err != nil {
		return nil, err
	}
	return handle.(*BusinessActor), nil
}

// Cache exposes the auth cache for the health endpoint.
func (a *ApplicationActor) Cache() *AuthCache { return a.cache }
