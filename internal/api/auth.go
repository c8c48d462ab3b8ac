package api

import (
	"net/http"

	"github.com/kalambet/racelog/internal/identity"
)

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (identity.Identity, error)
}

// Authenticate attaches the caller's identity to the request context.
// Requests without an Authorization header pass through anonymously; a
// header with a bad token is rejected.
func Authenticate(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := identity.BearerToken(header)
			if !ok || v == nil {
				httpError(w, http.StatusUnauthorized, "login_failed", "invalid or missing bearer token")
				return
			}
			id, err := v.Verify(token)
			if err != nil {
				httpError(w, http.StatusUnauthorized, "login_failed", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireIdentity rejects anonymous requests.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity.FromContext(r.Context()); !ok {
			httpError(w, http.StatusUnauthorized, "not_authorized", "sign in required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ownerID(r *http.Request) string {
	id, _ := identity.FromContext(r.Context())
	return id.OwnerID
}
