package httpmw

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yourhiddentrip/tripcollab/internal/security"
)

type ctxKey string

const ctxKeyUserID ctxKey = "user_id"

type Authorizer interface {
	Authorize(token, sessionID string) (*security.SessionClaims, error)
}

// AuthMiddleware requires a bearer session token for the {id} session of
// the route and stores its subject as the user id.
func AuthMiddleware(auth Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") || len(h) <= 7 {
				unauthorized(w, "missing bearer token")
				return
			}
			claims, err := auth.Authorize(strings.TrimSpace(h[7:]), chi.URLParam(r, "id"))
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return id
	}
	return ""
}

// WithUserID is used by tests that bypass the token check.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
