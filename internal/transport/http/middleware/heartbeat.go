package httpmw

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type HeartbeatToucher interface {
	Touch(ctx context.Context, sessionID, userID string) error
}

// HeartbeatMiddleware refreshes last_seen of the caller in the {id}
// session of the route.
func HeartbeatMiddleware(svc HeartbeatToucher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID := UserIDFromCtx(r.Context()); userID != "" {
				if sessionID := chi.URLParam(r, "id"); sessionID != "" {
					// best-effort: handlers report membership errors themselves
					_ = svc.Touch(r.Context(), sessionID, userID)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
