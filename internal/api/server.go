// Package api is the HTTP surface: tenant CRUD, metric operations, the
// gating proxy, Stripe webhook ingress, and the admin ops endpoints.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracktags/tracktags/internal/actors"
	"github.com/tracktags/tracktags/internal/billing"
	"github.com/tracktags/tracktags/internal/circuitbreaker"
	"github.com/tracktags/tracktags/internal/config"
	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/middleware"
	"github.com/tracktags/tracktags/internal/provisioning"
)

// Store is the slice of the row store the handlers call directly.
// *database.SupabaseClient satisfies it; tests plug in a fake.
type Store interface {
	Ping(ctx context.Context) error
	GetBusiness(ctx context.Context, businessID string) (*database.BusinessRow, error)
	CreateBusiness(ctx context.Context, row *database.BusinessRow) error
	SoftDeleteBusiness(ctx context.Context, businessID string, graceDays int) error
	GetCustomer(ctx context.Context, businessID, customerID string) (*database.CustomerRow, error)
	CreateCustomer(ctx context.Context, row *database.CustomerRow) error
	SoftDeleteCustomer(ctx context.Context, businessID, customerID string, graceDays int) error
	CreatePlan(ctx context.Context, row *database.PlanRow) (*database.PlanRow, error)
	CreatePlanLimit(ctx context.Context, row *database.PlanLimitRow) (*database.PlanLimitRow, error)
	GetPlanLimits(ctx context.Context, planID string) ([]database.PlanLimitRow, error)
	GetCustomerOverrideLimits(ctx context.Context, customerID string) ([]database.PlanLimitRow, error)
	CreateMetricDefinition(ctx context.Context, businessID, customerID string, def *core.MetricDefinition) error
	GetMetricDefinition(ctx context.Context, businessID, customerID, metricName string) (*database.MetricRow, error)
	ListBillingEvents(ctx context.Context, status string, limit int) ([]database.BillingEventRow, error)
	ListProvisioningTasks(ctx context.Context, status string, limit int) ([]database.ProvisioningTaskRow, error)
	ListReconciliationRecords(ctx context.Context, limit int) ([]database.ReconciliationRow, error)
}

// Server wires the handlers to the actor tree and schedulers.
type Server struct {
	cfg        *config.Config
	db         Store
	app        *actors.ApplicationActor
	deps       *actors.Deps
	processor  *billing.Processor
	reconciler *billing.Reconciler
	breakers   *circuitbreaker.Manager
	limiter    *middleware.RateLimiter
	queue      *provisioning.Queue
	proxy      *http.Client
	logger     *log.Logger
	httpServer *http.Server
	graceDays  int
}

func NewServer(cfg *config.Config, db Store, app *actors.ApplicationActor, deps *actors.Deps,
	processor *billing.Processor, reconciler *billing.Reconciler,
	breakers *circuitbreaker.Manager, limiter *middleware.RateLimiter) *Server {
	return &Server{
		cfg:        cfg,
		db:         db,
		app:        app,
		deps:       deps,
		processor:  processor,
		reconciler: reconciler,
		breakers:   breakers,
		limiter:    limiter,
		proxy:      &http.Client{Timeout: 30 * time.Second},
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
		graceDays:  cfg.Sweeper.GraceDays,
	}
}

// AttachQueue wires the provisioning queue behind the enqueue endpoint.
// Without one the endpoint answers 501.
func (s *Server) AttachQueue(q *provisioning.Queue) { s.queue = q }

// Router builds the full route table. Middleware order: CORS → request
// log → rate limit → auth. Health, Prometheus and the Stripe ingress
// stay outside bearer auth.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.Logging)
	r.Use(s.limiter.Middleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Stripe authenticates by signature, not API key.
	r.HandleFunc("/api/v1/webhooks/stripe", s.handleStripeWebhook).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/webhooks/stripe/{business_id}", s.handleStripeWebhook).Methods(http.MethodPost)

	authed := r.PathPrefix("/api/v1").Subrouter()
	authed.Use(middleware.Auth(s.app, s.cfg.Auth.AdminAPIKey))

	authed.HandleFunc("/businesses", s.handleCreateBusiness).Methods(http.MethodPost)
	authed.HandleFunc("/businesses/{id}", s.handleGetBusiness).Methods(http.MethodGet)
	authed.HandleFunc("/businesses/{id}", s.handleDeleteBusiness).Methods(http.MethodDelete)

	authed.HandleFunc("/keys", s.handleCreateKey).Methods(http.MethodPost)
	authed.HandleFunc("/keys/{key_name}", s.handleDeactivateKey).Methods(http.MethodDelete)

	authed.HandleFunc("/customers", s.handleCreateCustomer).Methods(http.MethodPost)
	authed.HandleFunc("/customers/{id}", s.handleGetCustomer).Methods(http.MethodGet)
	authed.HandleFunc("/customers/{id}", s.handleDeleteCustomer).Methods(http.MethodDelete)
	authed.HandleFunc("/customers/{id}/keys", s.handleCreateCustomerKey).Methods(http.MethodPost)

	authed.HandleFunc("/metrics", s.handleCreateMetric).Methods(http.MethodPost)
	authed.HandleFunc("/metrics/{name}", s.handleIncrementMetric).Methods(http.MethodPut)
	authed.HandleFunc("/metrics/{name}", s.handleGetMetric).Methods(http.MethodGet)

	authed.HandleFunc("/plans", s.handleCreatePlan).Methods(http.MethodPost)
	authed.HandleFunc("/plan_limits", s.handleCreatePlanLimit).Methods(http.MethodPost)
	authed.HandleFunc("/plan_limits", s.handleListPlanLimits).Methods(http.MethodGet)

	authed.HandleFunc("/proxy", s.handleProxy).Methods(http.MethodPost)

	authed.HandleFunc("/provisioning", s.handleEnqueueProvisioning).Methods(http.MethodPost)

	admin := authed.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireAdmin)
	admin.HandleFunc("/billing_events", s.handleListBillingEvents).Methods(http.MethodGet)
	admin.HandleFunc("/reconcile", s.handleTriggerReconcile).Methods(http.MethodPost)
	admin.HandleFunc("/reconcile", s.handleListReconciliations).Methods(http.MethodGet)
	admin.HandleFunc("/provisioning", s.handleListProvisioning).Methods(http.MethodGet)

	return r
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
	s.logger.Printf("🚀 listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "ok"
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		status = "degraded"
		dbStatus = err.Error()
	}
	breakerStatus, breakerDetail := s.breakers.HealthStatus()

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"database":  dbStatus,
		"breakers":  breakerStatus,
		"circuits":  breakerDetail,
		"ratelimit": s.limiter.Stats(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}
