// Package middleware authenticates HTTP requests from the access token
// cookie and exposes the result through the request context.
package middleware

import (
	"context"
	"net/http"

	timeblocks "github.com/timeblocks/timeblocks"
	"github.com/timeblocks/timeblocks/token"
	"github.com/timeblocks/timeblocks/user"
)

// AccessCookie is the cookie carrying the access token.
const AccessCookie = "tb_access"

// Identity is the authenticated principal attached to a request.
type Identity struct {
	User *user.User
}

type identityContextKey struct{}

// IdentityFromContext returns the identity set by Authenticate, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok
}

// Authenticate resolves the access cookie into an Identity. Missing,
// invalid, or expired tokens are not an error here: the request continues
// anonymous and RequireAuth decides whether that matters.
func Authenticate(svc *timeblocks.Service, codec *token.Codec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(AccessCookie)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := codec.ParseAccess(cookie.Value)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			u, err := svc.GetUser(r.Context(), claims.Subject)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), identityContextKey{}, &Identity{User: u})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that Authenticate left anonymous.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects authenticated requests whose account lacks the role.
func RequireRole(role user.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if id.User.Role != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
