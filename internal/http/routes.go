package httpx

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Research     ResearchService // Required
	MaxBodyBytes int64           // Optional: request body cap, unlimited when zero
	Logger       *slog.Logger    // Optional: request and panic logging
}

// NewRouter creates and configures the intake router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLog(logger))
	r.Use(Recover(logger))
	r.Use(LimitBody(services.MaxBodyBytes))

	r.Get("/healthz", healthHandler)
	r.Head("/healthz", healthHandler)
	r.Get("/readyz", readyHandler(services.Research))

	h := &ResearchHandlers{Svc: services.Research}
	r.Route("/v1/research", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/{id}", h.GetStatus)
		r.Delete("/{id}", h.Withdraw)
		r.Post("/{id}/cancel", h.Cancel)
		r.Get("/{id}/trace", h.Trace)
	})
	r.Get("/v1/stats", h.Stats)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}
