// Package actors implements the process tree: one ApplicationActor at
// the root, BusinessActors under it, CustomerActors under those, and a
// MetricActor per (account, metric). Every actor is a goroutine draining
// a bounded mailbox; state is owned by exactly one actor and crossed
// only through messages with reply channels.
package actors

import (
	"context"
	"log"
	"time"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/events"
	"github.com/tracktags/tracktags/internal/keys"
	"github.com/tracktags/tracktags/internal/limits"
	"github.com/tracktags/tracktags/internal/metricstore"
	"github.com/tracktags/tracktags/internal/monitoring"
	"github.com/tracktags/tracktags/internal/registry"
	"github.com/tracktags/tracktags/internal/ticker"
)

// LiveTable holds the current in-memory value of every metric actor.
const LiveTable = "live"

const (
	mailboxSize = 64
	askTimeout  = 5 * time.Second
	// evictTimeout bounds how long a key deactivation waits for the
	// auth cache ack before declaring the cache degraded.
	evictTimeout = time.Second
)

// MetricDB is the row-store slice metric actors touch.
type MetricDB interface {
	GetLatestMetricValue(ctx context.Context, businessID, customerID, metricName string) (*database.MetricRow, error)
	IncrementCheckpoint(ctx context.Context, businessID, customerID, metricName string, delta float64) (float64, error)
	FlushBatch(ctx context.Context, batches []core.MetricBatch) error
	GetMetricDefinition(ctx context.Context, businessID, customerID, metricName string) (*database.MetricRow, error)
	ListMetricDefinitions(ctx context.Context, businessID string) ([]database.MetricRow, error)
}

// AccountDB is the row-store slice customer and business actors touch.
type AccountDB interface {
	GetCustomer(ctx context.Context, businessID, customerID string) (*database.CustomerRow, error)
	GetFreePlan(ctx context.Context, businessID string) (*database.PlanRow, error)
	UpdateCustomerSubscription(ctx context.Context, businessID, customerID string, patch map[string]interface{}) error
}

// KeyDB is the row-store slice the auth path touches.
type KeyDB interface {
	GetKeyByHash(ctx context.Context, keyHash string) (*database.IntegrationKeyRow, error)
	CreateIntegrationKey(ctx context.Context, row *database.IntegrationKeyRow) error
	DeactivateIntegrationKey(ctx context.Context, businessID, keyType, keyName string) (*database.IntegrationKeyRow, error)
	ListIntegrationKeys(ctx context.Context, businessID string) ([]database.IntegrationKeyRow, error)
}

// Database is everything the actor tree reads and writes durably.
// *database.SupabaseClient satisfies it; tests pass fakes.
type Database interface {
	MetricDB
	AccountDB
	KeyDB
}

// Deps is the shared wiring handed to every actor at start.
type Deps struct {
	Registry  *registry.Registry
	Store     *metricstore.Store
	Batches   *metricstore.BatchStore
	Bus       *ticker.Bus
	DB        Database
	Resolver  *limits.Resolver
	Emitter   events.Emitter
	Metrics   *monitoring.Metrics
	Fanout    *WebhookFanout
	Super     *Supervisor
	Encryptor *keys.Encryptor
	Logger    *log.Logger
}

// NewDeps assembles the shared wiring and ensures the live table exists.
func NewDeps(reg *registry.Registry, store *metricstore.Store, batches *metricstore.BatchStore,
	bus *ticker.Bus, db Database, resolver *limits.Resolver, emitter events.Emitter,
	metrics *monitoring.Metrics, enc *keys.Encryptor) *Deps {

	_ = store.CreateTable(LiveTable)
	logger := log.New(log.Writer(), "[ACTORS] ", log.LstdFlags)
	return &Deps{
		Registry:  reg,
		Store:     store,
		Batches:   batches,
		Bus:       bus,
		DB:        db,
		Resolver:  resolver,
		Emitter:   emitter,
		Metrics:   metrics,
		Fanout:    NewWebhookFanout(metrics),
		Super:     NewSupervisor(reg, metrics),
		Encryptor: enc,
		Logger:    logger,
	}
}

func (d *Deps) emit(eventType, source, subject string, data map[string]interface{}) {
	if d.Emitter == nil {
		return
	}
	d.Emitter.Emit(eventType, source, subject, data)
}
