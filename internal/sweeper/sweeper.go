// Package sweeper permanently removes soft-deleted businesses and
// customers once their grace period has lapsed. It runs nightly and
// leaves an audit trail of everything it purged.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tracktags/tracktags/internal/database"
)

// SweepDB is the slice of the row store the sweeper needs.
type SweepDB interface {
	ListPurgeableBusinesses(ctx context.Context, before time.Time) ([]database.BusinessRow, error)
	ListPurgeableCustomers(ctx context.Context, before time.Time) ([]database.CustomerRow, error)
	PurgeBusiness(ctx context.Context, businessID string) error
	PurgeCustomer(ctx context.Context, businessID, customerID string) error
	PurgeKeysForBusiness(ctx context.Context, businessID string) error
	PurgeMetricsForBusiness(ctx context.Context, businessID string) error
	PurgeMetricsForCustomer(ctx context.Context, businessID, customerID string) error
	InsertAuditLog(ctx context.Context, row *database.AuditLogRow) error
}

// Outcome summarizes one sweep pass.
type Outcome struct {
	BusinessesPurged int
	CustomersPurged  int
	Errors           int
}

// Sweeper drives the purge passes.
type Sweeper struct {
	db      SweepDB
	clock   clockwork.Clock
	hourUTC int
	logger  *log.Logger
}

func New(db SweepDB, hourUTC int) *Sweeper {
	return &Sweeper{
		db:      db,
		clock:   clockwork.NewRealClock(),
		hourUTC: hourUTC,
		logger:  log.New(log.Writer(), "[SWEEPER] ", log.LstdFlags),
	}
}

// WithClock swaps the scheduler clock, for tests.
func (s *Sweeper) WithClock(clock clockwork.Clock) *Sweeper {
	s.clock = clock
	return s
}

// Sweep purges everything whose purge_after has passed. Customers go
// first so a business purge never races its own customers' cascades.
func (s *Sweeper) Sweep(ctx context.Context) (*Outcome, error) {
	now := s.clock.Now().UTC()
	out := &Outcome{}

	customers, err := s.db.ListPurgeableCustomers(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list purgeable customers: %w", err)
	}
	for _, cust := range customers {
		if err := s.purgeCustomer(ctx, cust.BusinessID, cust.CustomerID); err != nil {
			s.logger.Printf("⚠️ purging customer %s/%s: %v", cust.BusinessID, cust.CustomerID, err)
			out.Errors++
			continue
		}
		out.CustomersPurged++
	}

	businesses, err := s.db.ListPurgeableBusinesses(ctx, now)
	if err != nil {
		return out, fmt.Errorf("list purgeable businesses: %w", err)
	}
	for _, biz := range businesses {
		if err := s.purgeBusiness(ctx, biz.BusinessID); err != nil {
			s.logger.Printf("⚠️ purging business %s: %v", biz.BusinessID, err)
			out.Errors++
			continue
		}
		out.BusinessesPurged++
	}

	s.logger.Printf("✅ sweep done: %d businesses, %d customers purged, %d errors",
		out.BusinessesPurged, out.CustomersPurged, out.Errors)
	return out, nil
}

// purgeCustomer removes the customer's metric history before the row
// itself, so a partial failure never orphans data behind a missing row.
func (s *Sweeper) purgeCustomer(ctx context.Context, businessID, customerID string) error {
	if err := s.db.PurgeMetricsForCustomer(ctx, businessID, customerID); err != nil {
		return err
	}
	if err := s.db.PurgeCustomer(ctx, businessID, customerID); err != nil {
		return err
	}
	s.audit(ctx, businessID, "purge_customer", "customers/"+customerID)
	return nil
}

// purgeBusiness cascades: metrics, keys, then the business row.
func (s *Sweeper) purgeBusiness(ctx context.Context, businessID string) error {
	if err := s.db.PurgeMetricsForBusiness(ctx, businessID); err != nil {
		return err
	}
	if err := s.db.PurgeKeysForBusiness(ctx, businessID); err != nil {
		return err
	}
	if err := s.db.PurgeBusiness(ctx, businessID); err != nil {
		return err
	}
	s.audit(ctx, businessID, "purge_business", "businesses/"+businessID)
	return nil
}

func (s *Sweeper) audit(ctx context.Context, businessID, action, resource string) {
	detail, _ := json.Marshal(map[string]string{"swept_at": s.clock.Now().UTC().Format(time.RFC3339)})
	row := &database.AuditLogRow{
		BusinessID: businessID,
		Actor:      "sweeper",
		Action:     action,
		Resource:   resource,
		Detail:     detail,
	}
	if err := s.db.InsertAuditLog(ctx, row); err != nil {
		s.logger.Printf("⚠️ audit log for %s %s: %v", action, resource, err)
	}
}

// RunNightly blocks, sweeping at the configured UTC hour until ctx is
// cancelled.
func (s *Sweeper) RunNightly(ctx context.Context) {
	for {
		next := nextSweepAt(s.clock.Now().UTC(), s.hourUTC)
		s.logger.Printf("next sweep at %s", next.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(s.clock.Now().UTC())):
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Printf("⚠️ nightly sweep: %v", err)
			}
		}
	}
}

func nextSweepAt(now time.Time, hourUTC int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
