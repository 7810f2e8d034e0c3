package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/inaiurai/pointsmith/internal/models"
)

type contextKey string

const ctxPrincipalKey contextKey = "principal"

// Principal is the authenticated caller.
type Principal struct {
	AccountID uuid.UUID
	Role      string
}

func (p *Principal) IsAdmin() bool { return p != nil && p.Role == models.RoleAdmin }

// TokenValidator is satisfied by auth.Service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// BearerAuth validates the JWT in the Authorization header and sets the
// principal into request context.
func BearerAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, role, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			ctx := WithPrincipal(r.Context(), &Principal{AccountID: id, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers without the admin role. It must run after BearerAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromCtx(r.Context())
		if p == nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if !p.IsAdmin() {
			http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFromCtx returns the authenticated principal or nil.
func PrincipalFromCtx(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxPrincipalKey).(*Principal)
	return p
}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
