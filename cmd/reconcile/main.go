// Command reconcile runs one reconciliation pass and exits. Exit code 0
// means every subscription matched or was repaired; anything left
// unresolved exits 1 so cron alerting can pick it up.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/tracktags/tracktags/internal/billing"
	"github.com/tracktags/tracktags/internal/circuitbreaker"
	"github.com/tracktags/tracktags/internal/config"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/keys"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	db, err := database.NewClient(cfg.Database.URL, cfg.Database.ServiceKey)
	if err != nil {
		log.Fatalf("❌ database: %v", err)
	}

	enc, err := keys.NewEncryptor(cfg.Auth.KeyEncryptionSecret)
	if err != nil {
		log.Fatalf("❌ key encryptor: %v", err)
	}

	factory := billing.NewStripeFactory(circuitbreaker.New(circuitbreaker.StripeConfig()), nil)
	reconciler := billing.NewReconciler(db, billing.OfflineTree{}, factory, enc,
		cfg.Stripe.SecretKey, cfg.Reconcile.HourUTC, nil)
	if cfg.MockMode {
		reconciler.UseMock(billing.NewMockProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	record, err := reconciler.Run(ctx, "cli")
	switch {
	case err == nil:
		log.Printf("✅ reconciliation clean: %d customers, %d mismatches (%d fixed)",
			record.CustomersChecked, record.MismatchesFound, record.MismatchesFixed)
	case errors.Is(err, errs.ErrReconcileIncomplete):
		log.Printf("⚠️ reconciliation incomplete: %d customers, %d mismatches (%d fixed), %d errors",
			record.CustomersChecked, record.MismatchesFound, record.MismatchesFixed, record.Errors)
		os.Exit(1)
	default:
		log.Printf("❌ reconciliation failed: %v", err)
		os.Exit(1)
	}
}
