package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	httpmw "github.com/yourhiddentrip/tripcollab/internal/transport/http/middleware"
)

type Deps struct {
	Handler      *Handler
	Auth         httpmw.Authorizer
	Heartbeat    httpmw.HeartbeatToucher
	WS           http.HandlerFunc
	AllowOrigins []string
	Logger       *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	origins := d.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(httpmw.RequestLogger(d.Logger))
	r.Use(middlewareChi.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// the stream authenticates with ?access_token= and must not time out
	if d.WS != nil {
		r.Get("/ws/sessions/{id}", d.WS)
	}

	r.Group(func(api chi.Router) {
		api.Use(middlewareChi.Timeout(30 * time.Second))

		api.Route("/sessions", func(rs chi.Router) {
			rs.Post("/", d.Handler.StartSession)

			rs.Route("/{id}", func(rr chi.Router) {
				rr.Post("/join", d.Handler.JoinSession)

				rr.Group(func(pr chi.Router) {
					pr.Use(httpmw.AuthMiddleware(d.Auth))
					pr.Use(httpmw.HeartbeatMiddleware(d.Heartbeat))

					pr.Get("/updates", d.Handler.Updates)
					pr.Post("/actions", d.Handler.Act)
					pr.Post("/leave", d.Handler.Leave)
					pr.Get("/participants", d.Handler.Participants)
				})
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
