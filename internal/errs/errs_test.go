package errs

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrNotFound, http.StatusNotFound},
		{ErrEntryNotFound, http.StatusNotFound},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrBadSignature, http.StatusUnauthorized},
		{Validationf("value", "must be numeric"), http.StatusBadRequest},
		{ErrConflict, http.StatusConflict},
		{ErrAlreadyRegistered, http.StatusConflict},
		{ErrLimitBreached, http.StatusPaymentRequired},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrNotImplemented, http.StatusNotImplemented},
		{ErrUpstreamFailed, http.StatusBadGateway},
		{ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(c.err), "error %v", c.err)
	}
}

func TestWrappedErrorsKeepTheirKind(t *testing.T) {
	err := fmt.Errorf("loading business acme: %w", ErrNotFound)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))

	err = Conflictf("key %s already active", "stripe/default")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "stripe/default")
}

func TestValidationErrorCarriesField(t *testing.T) {
	err := Validationf("breach_operator", "unknown operator %q", "between")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "breach_operator", verr.Field)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("report usage: %w", ErrUpstreamFailed)))
	assert.False(t, IsRetryable(ErrNotFound))
}
