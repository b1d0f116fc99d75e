package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
)

type contextKey int

const claimsContextKey contextKey = iota

// ClaimsFrom returns the verified claims the middleware stored on the
// request context, if any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// Require wraps a route with bearer token enforcement. When enforcement is
// off the handler runs as-is. Admin routes additionally require the admin
// claim.
func (a *Authenticator) Require(admin bool, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if !a.cfg.RequireJWTAuth {
			next(w, r, params)
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := a.Verify(raw)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if admin && !claims.Admin {
			http.Error(w, "admin access required", http.StatusForbidden)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey, claims)), params)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
