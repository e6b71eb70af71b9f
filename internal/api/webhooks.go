package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tracktags/tracktags/internal/errs"
)

const maxWebhookBody = 1 << 20 // Stripe events are small; cap well below that

// handleStripeWebhook verifies the signature, persists the event, and
// acks immediately. Processing runs out of band so Stripe never waits
// on our providers.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, errs.Validationf("body", "read failed: %v", err))
		return
	}
	r.Body.Close()

	businessID := mux.Vars(r)["business_id"]
	sig := r.Header.Get("Stripe-Signature")

	eventID, err := s.processor.Ingest(r.Context(), businessID, payload, sig)
	if err != nil {
		if errors.Is(err, errs.ErrBadSignature) {
			writeError(w, err)
			return
		}
		s.logger.Printf("❌ webhook ingest: %v", err)
		writeError(w, err)
		return
	}

	// Ack before the heavy lifting; retries on failure come from the
	// billing_events table, not Stripe redelivery.
	go func() {
		if err := s.processor.Process(context.Background(), eventID); err != nil {
			s.logger.Printf("⚠️ webhook event %s: %v", eventID, err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"received": eventID})
}
