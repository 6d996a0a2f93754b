package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gwi.com/article-assistant/internal/auth"
)

// NewRouter wires the API. gatherer backs /metrics; nil means the default
// registry.
func NewRouter(apiHandler *APIHandler, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(apiHandler.authSecret))

			r.With(apiHandler.limiter.Middleware).Post("/generate", apiHandler.GenerateHandler)
			r.Get("/tasks", apiHandler.ListTasksHandler)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", apiHandler.ListSessionsHandler)
				r.Post("/", apiHandler.CreateSessionHandler)
				r.Get("/{sessionID}", apiHandler.GetSessionHandler)
				r.Delete("/{sessionID}", apiHandler.DeleteSessionHandler)
				r.Post("/{sessionID}/prompts", apiHandler.PostPromptHandler)
				r.Post("/{sessionID}/analyses", apiHandler.PostAnalysisHandler)
				r.Post("/{sessionID}/apply", apiHandler.ApplyAnalysisHandler)
				r.Get("/{sessionID}/staging", apiHandler.StagingHandler)
			})
		})
	})

	return r
}
