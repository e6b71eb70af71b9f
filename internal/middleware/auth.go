// Package middleware carries the HTTP cross-cutting concerns: API key
// authentication, rate limiting, request logging and CORS.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tracktags/tracktags/internal/core"
)

type contextKey string

const principalKey contextKey = "tracktags.principal"

// Authenticator resolves a raw API key to a principal. Backed by the
// application actor's auth cache.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (core.Principal, error)
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (core.Principal, bool) {
	p, ok := ctx.Value(principalKey).(core.Principal)
	return p, ok
}

// WithPrincipal injects a principal, for tests and internal calls.
func WithPrincipal(ctx context.Context, p core.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Auth validates the Bearer key (or X-Admin-Key) and injects the
// principal into the request context. Requests without valid
// credentials stop here with 401.
func Auth(authn Authenticator, adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if admin := r.Header.Get("X-Admin-Key"); admin != "" && adminKey != "" {
				if subtle.ConstantTimeCompare([]byte(admin), []byte(adminKey)) == 1 {
					ctx := WithPrincipal(r.Context(), core.Principal{Admin: true})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				unauthorized(w)
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w)
				return
			}
			rawKey := strings.TrimPrefix(auth, "Bearer ")

			p, err := authn.Authenticate(r.Context(), rawKey)
			if err != nil {
				unauthorized(w)
				return
			}
			ctx := WithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates admin-only routes. It runs after Auth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.Admin {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"admin access required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"invalid or missing API key"}`))
}
