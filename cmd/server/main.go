package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tracktags/tracktags/internal/actors"
	"github.com/tracktags/tracktags/internal/api"
	"github.com/tracktags/tracktags/internal/billing"
	"github.com/tracktags/tracktags/internal/circuitbreaker"
	"github.com/tracktags/tracktags/internal/config"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/events"
	"github.com/tracktags/tracktags/internal/infra"
	"github.com/tracktags/tracktags/internal/keys"
	"github.com/tracktags/tracktags/internal/limits"
	"github.com/tracktags/tracktags/internal/metricstore"
	"github.com/tracktags/tracktags/internal/middleware"
	"github.com/tracktags/tracktags/internal/monitoring"
	"github.com/tracktags/tracktags/internal/provisioning"
	"github.com/tracktags/tracktags/internal/registry"
	"github.com/tracktags/tracktags/internal/sweeper"
	"github.com/tracktags/tracktags/internal/ticker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}
	log.Printf("🚀 starting tracktags (env=%s, mock=%v)", cfg.Server.Env, cfg.MockMode)

	db, err := database.NewClient(cfg.Database.URL, cfg.Database.ServiceKey)
	if err != nil {
		log.Fatalf("❌ database: %v", err)
	}

	enc, err := keys.NewEncryptor(cfg.Auth.KeyEncryptionSecret)
	if err != nil {
		log.Fatalf("❌ key encryptor: %v", err)
	}

	metrics := monitoring.NewMetrics()

	// Redis is optional: without it the lock and the rate counter fall
	// back to single-node in-memory versions.
	var locker infra.Locker = infra.NewMemoryLocker()
	var counter infra.Counter
	if cfg.Redis.Addr != "" {
		redis, err := infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("❌ redis: %v", err)
		}
		defer redis.Close()
		locker = redis
		counter = redis
	}

	var emitter events.Emitter
	if cfg.PubSub.ProjectID != "" {
		pubsubBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			log.Fatalf("❌ pubsub: %v", err)
		}
		defer pubsubBus.Close()
		emitter = pubsubBus
	} else {
		emitter = events.NewEventBus()
	}

	// Actor tree wiring: registry, in-memory store, tick bus, drainers.
	bus := ticker.NewBus()
	bus.Start()
	store := metricstore.New()
	batches := metricstore.NewBatchStore(store)
	deps := actors.NewDeps(registry.New(), store, batches, bus, db,
		limits.NewResolver(db), emitter, metrics, enc)

	app := actors.NewApplicationActor(deps)
	go app.Run()

	drainers, err := actors.StartDrainers(deps)
	if err != nil {
		log.Fatalf("❌ drainers: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Billing: webhook processor, daily reconciler.
	breakers := circuitbreaker.NewManager(nil)
	stripeBreaker := circuitbreaker.New(circuitbreaker.StripeConfig())
	factory := billing.NewStripeFactory(stripeBreaker, metrics)
	tree := billing.NewLiveTree(app, db)

	processor := billing.NewProcessor(db, tree, locker, factory, enc,
		cfg.Stripe.WebhookSecret, cfg.Stripe.SecretKey, metrics)
	reconciler := billing.NewReconciler(db, tree, factory, enc,
		cfg.Stripe.SecretKey, cfg.Reconcile.HourUTC, metrics)
	if cfg.MockMode {
		mock := billing.NewMockProvider()
		processor.UseMock(mock)
		reconciler.UseMock(mock)
	}
	go reconciler.RunDaily(ctx)

	// Provisioning queue with the compute providers we can execute.
	providers := map[string]provisioning.Provider{
		"fly": provisioning.NewFlyProvider(flyTokens(db, enc)),
	}
	if cfg.MockMode {
		providers["mock"] = provisioning.NewMockComputeProvider()
	}
	queue := provisioning.NewQueue(db, providers,
		cfg.Queue.Workers, cfg.Queue.MaxAttempts, cfg.Queue.BaseBackoffSec, metrics)
	queue.Start(ctx)

	// Nightly purge of soft-deleted tenants past their grace window.
	sw := sweeper.New(db, cfg.Sweeper.HourUTC)
	go sw.RunNightly(ctx)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{}, counter)

	srv := api.NewServer(cfg, db, app, deps, processor, reconciler, breakers, limiter)
	srv.AttachQueue(queue)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Addr()) }()

	select {
	case <-ctx.Done():
		log.Println("⏳ shutting down...")
	case err := <-errCh:
		log.Fatalf("❌ http server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ http shutdown: %v", err)
	}

	// Flush every staged window before the process exits, then drain.
	for _, name := range ticker.Names() {
		if err := bus.FireNow(name); err != nil {
			log.Printf("⚠️ final flush %s: %v", name, err)
		}
	}
	if err := app.Shutdown(10 * time.Second); err != nil {
		log.Printf("⚠️ actor shutdown: %v", err)
	}
	for _, d := range drainers {
		if err := d.Drain(shutdownCtx); err != nil {
			log.Printf("⚠️ drainer: %v", err)
		}
		d.Stop()
	}
	bus.Stop()
	queue.Wait()
	log.Println("✅ bye")
}

// flyTokens resolves each business's Fly API token from its stored
// integration key.
func flyTokens(db *database.SupabaseClient, enc *keys.Encryptor) provisioning.TokenSource {
	return func(ctx context.Context, businessID string) (string, error) {
		row, err := db.GetActiveKeyByType(ctx, businessID, keys.TypeFly)
		if err != nil {
			return "", err
		}
		if row == nil {
			if token := os.Getenv("FLY_API_TOKEN"); token != "" {
				return token, nil
			}
			return "", nil
		}
		return enc.Decrypt(row.EncryptedKey)
	}
}
