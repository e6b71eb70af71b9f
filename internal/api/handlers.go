package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tracktags/tracktags/internal/actors"
	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/keys"
	"github.com/tracktags/tracktags/internal/middleware"
)

// principal pulls the authenticated principal; Auth guarantees it.
func principal(r *http.Request) core.Principal {
	p, _ := middleware.PrincipalFrom(r.Context())
	return p
}

// ============================================================================
// BUSINESSES
// ============================================================================

func (s *Server) handleCreateBusiness(w http.ResponseWriter, r *http.Request) {
	if !principal(r).Admin {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	var req struct {
		BusinessID   string `json:"business_id"`
		BusinessName string `json:"business_name"`
		Email        string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BusinessID == "" {
		writeError(w, errs.Validationf("business_id", "must not be empty"))
		return
	}
	if req.Email == "" {
		writeError(w, errs.Validationf("email", "must not be empty"))
		return
	}
	row := &database.BusinessRow{
		BusinessID:   req.BusinessID,
		BusinessName: req.BusinessName,
		Email:        req.Email,
	}
	if err := s.db.CreateBusiness(r.Context(), row); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleGetBusiness(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p := principal(r)
	if !p.Admin && p.BusinessID != id {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	row, err := s.db.GetBusiness(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if row == nil {
		writeError(w, errs.NotFoundf("business %s", id))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDeleteBusiness(w http.ResponseWriter, r *http.Request) {
	if !principal(r).Admin {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.db.SoftDeleteBusiness(r.Context(), id, s.graceDays); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"business_id": id,
		"deleted":     true,
		"grace_days":  s.graceDays,
	})
}

// ============================================================================
// KEYS
// ============================================================================

// businessFor resolves which business the caller may act on. Admins name
// one explicitly; business keys act on their own.
func (s *Server) businessFor(p core.Principal, explicit string) (string, error) {
	if p.Admin {
		if explicit == "" {
			return "", errs.Validationf("business_id", "required for admin calls")
		}
		return explicit, nil
	}
	if p.IsCustomer() {
		return "", errs.ErrUnauthorized
	}
	if explicit != "" && explicit != p.BusinessID {
		return "", errs.ErrUnauthorized
	}
	return p.BusinessID, nil
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BusinessID  string            `json:"business_id,omitempty"`
		KeyType     string            `json:"key_type"`
		KeyName     string            `json:"key_name"`
		CustomerID  string            `json:"customer_id,omitempty"`
		Credentials map[string]string `json:"credentials,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	businessID, err := s.businessFor(principal(r), req.BusinessID)
	if err != nil {
		writeError(w, err)
		return
	}

	biz, err := s.app.TouchBusiness(businessID)
	if err != nil {
		writeError(w, err)
		return
	}
	plaintext, row, err := biz.CreateKey(actors.KeyRequest{
		Type:       req.KeyType,
		Name:       req.KeyName,
		CustomerID: req.CustomerID,
		Material:   req.Credentials["api_key"],
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key":  plaintext,
		"key_type": row.KeyType,
		"key_name": row.KeyName,
		"warning":  "store this key now; it is not retrievable later",
	})
}

func (s *Server) handleDeactivateKey(w http.ResponseWriter, r *http.Request) {
	keyName := mux.Vars(r)["key_name"]
	keyType := r.URL.Query().Get("key_type")
	if keyType == "" {
		keyType = keys.TypeBusiness
	}
	businessID, err := s.businessFor(principal(r), r.URL.Query().Get("business_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	biz, err := s.app.TouchBusiness(businessID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := biz.DeactivateKey(keyType, keyName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_name":    keyName,
		"key_type":    keyType,
		"deactivated": true,
	})
}

// ============================================================================
// CUSTOMERS
// ============================================================================

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID   string `json:"customer_id"`
		CustomerName string `json:"customer_name"`
		Email        string `json:"email"`
		PlanID       string `json:"plan_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	businessID, err := s.businessFor(principal(r), "")
	if err != nil {
		writeError(w, err)
		return
	}
	if req.CustomerID == "" {
		writeError(w, errs.Validationf("customer_id", "must not be empty"))
		return
	}
	row := &database.CustomerRow{
		BusinessID:   businessID,
		CustomerID:   req.CustomerID,
		CustomerName: req.CustomerName,
		Email:        req.Email,
		PlanID:       req.PlanID,
	}
	if err := s.db.CreateCustomer(r.Context(), row); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p := principal(r)

	// Customer keys may read themselves; business keys read any of
	// their customers.
	if p.IsCustomer() && p.CustomerID != id {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	businessID := p.BusinessID
	if p.Admin {
		businessID = r.URL.Query().Get("business_id")
	}
	row, err := s.db.GetCustomer(r.Context(), businessID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if row == nil {
		writeError(w, errs.NotFoundf("customer %s", id))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	businessID, err := s.businessFor(principal(r), r.URL.Query().Get("business_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.SoftDeleteCustomer(r.Context(), businessID, id, s.graceDays); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"customer_id": id,
		"deleted":     true,
		"grace_days":  s.graceDays,
	})
}

func (s *Server) handleCreateCustomerKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		KeyName string `json:"key_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	businessID, err := s.businessFor(principal(r), "")
	if err != nil {
		writeError(w, err)
		return
	}

	biz, err := s.app.TouchBusiness(businessID)
	if err != nil {
		writeError(w, err)
		return
	}
	plaintext, _, err := biz.CreateKey(actors.KeyRequest{
		Type:       keys.TypeCustomerAPI,
		Name:       req.KeyName,
		CustomerID: id,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key":     plaintext,
		"customer_id": id,
		"warning":     "store this key now; it is not retrievable later",
	})
}

// ============================================================================
// PROVISIONING
// ============================================================================

func (s *Server) handleEnqueueProvisioning(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, errs.ErrNotImplemented)
		return
	}
	var req struct {
		CustomerID string          `json:"customer_id"`
		Action     string          `json:"action"`
		Provider   string          `json:"provider"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	businessID, err := s.businessFor(principal(r), "")
	if err != nil {
		writeError(w, err)
		return
	}
	if req.CustomerID == "" {
		writeError(w, errs.Validationf("customer_id", "must not be empty"))
		return
	}
	if req.Action == "" {
		writeError(w, errs.Validationf("action", "must not be empty"))
		return
	}
	task, err := s.queue.Enqueue(r.Context(), businessID, req.CustomerID, req.Action, req.Provider, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// ============================================================================
// METRICS
// ============================================================================

// metricScope resolves which account a metric request addresses.
// Customer keys are pinned to their own partition.
func metricScope(r *http.Request, p core.Principal) (core.AccountID, error) {
	if p.Admin {
		return core.AccountID{}, errs.ErrUnauthorized
	}
	account := core.AccountID{BusinessID: p.BusinessID}
	if p.IsCustomer() {
		account.CustomerID = p.CustomerID
		return account, nil
	}
	if r.URL.Query().Get("scope") == string(core.ScopeCustomer) {
		account.CustomerID = r.URL.Query().Get("customer_id")
		if account.CustomerID == "" {
			return core.AccountID{}, errs.Validationf("customer_id", "required for customer scope")
		}
	}
	return account, nil
}

func (s *Server) handleCreateMetric(w http.ResponseWriter, r *http.Request) {
	account, err := metricScope(r, principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	var def core.MetricDefinition
	if err := decodeBody(r, &def); err != nil {
		writeError(w, err)
		return
	}
	if def.MetricName == "" {
		writeError(w, errs.Validationf("metric_name", "must not be empty"))
		return
	}
	if def.Precision {
		writeError(w, errs.ErrNotImplemented)
		return
	}
	if err := s.db.CreateMetricDefinition(r.Context(), account.BusinessID, account.CustomerID, &def); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"metric_name": def.MetricName,
		"scope":       account.Scope(),
		"created":     true,
	})
}

// metricActorFor materializes the live actor for one metric.
func (s *Server) metricActorFor(r *http.Request, account core.AccountID, name string) (*actors.MetricActor, error) {
	row, err := s.db.GetMetricDefinition(r.Context(), account.BusinessID, account.CustomerID, name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errs.NotFoundf("metric %s", name)
	}
	def, err := row.Definition()
	if err != nil {
		return nil, err
	}

	biz, err := s.app.TouchBusiness(account.BusinessID)
	if err != nil {
		return nil, err
	}
	if account.CustomerID == "" {
		return biz.TouchMetric(*def)
	}
	cust, err := biz.TouchCustomer(account.CustomerID)
	if err != nil {
		return nil, err
	}
	return cust.Touch(*def)
}

func (s *Server) handleIncrementMetric(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	account, err := metricScope(r, principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Value float64 `json:"value"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	actor, err := s.metricActorFor(r, account, name)
	if err != nil {
		writeError(w, err)
		return
	}
	value, status, err := actor.Increment(req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metric_name":   name,
		"current_value": value,
		"breach_status": status,
	})
}

func (s *Server) handleGetMetric(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	account, err := metricScope(r, principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := s.metricActorFor(r, account, name)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := actor.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metric_name":   name,
		"current_value": snap.Value,
		"metric_type":   snap.MetricType,
		"breach_status": snap.BreachStatus,
	})
}

// ============================================================================
// PLANS AND LIMITS
// ============================================================================

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanName      string `json:"plan_name"`
		StripePriceID string `json:"stripe_price_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	businessID, err := s.businessFor(principal(r), "")
	if err != nil {
		writeError(w, err)
		return
	}
	if req.PlanName == "" {
		writeError(w, errs.Validationf("plan_name", "must not be empty"))
		return
	}
	row, err := s.db.CreatePlan(r.Context(), &database.PlanRow{
		BusinessID:    businessID,
		PlanName:      req.PlanName,
		StripePriceID: req.StripePriceID,
		PlanStatus:    "active",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleCreatePlanLimit(w http.ResponseWriter, r *http.Request) {
	var row database.PlanLimitRow
	if err := decodeBody(r, &row); err != nil {
		writeError(w, err)
		return
	}
	businessID, err := s.businessFor(principal(r), "")
	if err != nil {
		writeError(w, err)
		return
	}
	if row.MetricName == "" {
		writeError(w, errs.Validationf("metric_name", "must not be empty"))
		return
	}
	if _, err := core.ParseBreachOperator(row.BreachOperator); err != nil {
		writeError(w, errs.Validationf("breach_operator", "%v", err))
		return
	}
	if _, err := core.ParseBreachAction(row.BreachAction); err != nil {
		writeError(w, errs.Validationf("breach_action", "%v", err))
		return
	}
	// Exactly one scope column: customer override, plan, or the
	// business-wide default.
	if row.PlanID == "" && row.CustomerID == "" {
		row.BusinessID = businessID
	} else {
		row.BusinessID = ""
	}

	created, err := s.db.CreatePlanLimit(r.Context(), &row)
	if err != nil {
		writeError(w, err)
		return
	}

	// Live children pick the change up on their next plan refresh; a
	// customer override applies immediately.
	if row.CustomerID != "" {
		s.pushLimitRefresh(businessID, row.CustomerID)
	}
	writeJSON(w, http.StatusCreated, created)
}

// pushLimitRefresh nudges a live customer actor after a limit change.
// Dead actors pick the row up on next materialization.
func (s *Server) pushLimitRefresh(businessID, customerID string) {
	biz, err := s.app.TouchBusiness(businessID)
	if err != nil {
		return
	}
	cust, err := biz.TouchCustomer(customerID)
	if err != nil {
		return
	}
	if err := cust.RefreshPlan(); err != nil {
		s.logger.Printf("⚠️ limit refresh for %s/%s: %v", businessID, customerID, err)
	}
}

func (s *Server) handleListPlanLimits(w http.ResponseWriter, r *http.Request) {
	if _, err := s.businessFor(principal(r), ""); err != nil {
		writeError(w, err)
		return
	}
	planID := r.URL.Query().Get("plan_id")
	customerID := r.URL.Query().Get("customer_id")

	var rows []database.PlanLimitRow
	var err error
	switch {
	case planID != "":
		rows, err = s.db.GetPlanLimits(r.Context(), planID)
	case customerID != "":
		rows, err = s.db.GetCustomerOverrideLimits(r.Context(), customerID)
	default:
		err = errs.Validationf("plan_id", "one of plan_id or customer_id is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"limits": rows, "count": len(rows)})
}
