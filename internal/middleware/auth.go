package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/dukerupert/resellr/internal/auth"
	"github.com/dukerupert/resellr/internal/model"
)

// Verifier turns a bearer token into a Principal.
type Verifier interface {
	Verify(raw string) (auth.Principal, error)
}

// RequireAuth validates the bearer token and stores the Principal in the
// request context. Browsers cannot set headers on a WebSocket handshake, so
// the token is also accepted from the access_token query parameter.
func RequireAuth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
				return
			}
			p, err := v.Verify(raw)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole lets the request through only if the principal holds one of
// roles.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok || !slices.Contains(roles, p.Role) {
				writeError(w, r, http.StatusForbidden, "FORBIDDEN", "access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin checks that the authenticated principal is an administrator.
func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole(model.RoleAdmin)(next)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}
