package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tracktags/tracktags/internal/errs"
)

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// writeError maps the error vocabulary onto HTTP statuses in one place.
// Validation errors carry their field; everything else sends the
// sentinel's message without internal detail.
func writeError(w http.ResponseWriter, err error) {
	code := errs.HTTPStatus(err)

	body := map[string]interface{}{"error": publicMessage(err, code)}
	var verr *errs.ValidationError
	if errors.As(err, &verr) {
		body["field"] = verr.Field
		body["error"] = verr.Message
	}
	writeJSON(w, code, body)
}

func publicMessage(err error, code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "invalid or missing credentials"
	case http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Validationf("body", "malformed JSON: %v", err)
	}
	return nil
}
