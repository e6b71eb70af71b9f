package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tracktags/tracktags/internal/errs"
)

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return 100
}

// handleListBillingEvents surfaces the event table for operators.
// Defaults to failed events since those are the ones needing eyes.
func (s *Server) handleListBillingEvents(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "failed"
	}
	rows, err := s.db.ListBillingEvents(r.Context(), status, listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"count":  len(rows),
		"events": rows,
	})
}

// handleTriggerReconcile runs a reconciliation pass inline. A pass that
// finished but hit per-customer errors answers 207 so callers can tell
// "clean" from "ran with drift left behind".
func (s *Server) handleTriggerReconcile(w http.ResponseWriter, r *http.Request) {
	record, err := s.reconciler.Run(r.Context(), "manual")
	if err != nil {
		if errors.Is(err, errs.ErrReconcileIncomplete) && record != nil {
			writeJSON(w, http.StatusMultiStatus, record)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListReconciliations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.ListReconciliationRecords(r.Context(), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(rows),
		"records": rows,
	})
}

func (s *Server) handleListProvisioning(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "dead_letter"
	}
	rows, err := s.db.ListProvisioningTasks(r.Context(), status, listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"count":  len(rows),
		"tasks":  rows,
	})
}
