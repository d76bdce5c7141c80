package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"github.com/hed1ad/flowguard/internal/api/middleware"
)

// NewRouter creates and configures the HTTP router for the scoring API.
func NewRouter(h *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return gzhttp.GzipHandler(next)
	})

	// Routes
	r.Get("/predict", h.Predict)
	r.Post("/train", h.Train)
	r.Get("/logs", h.Logs)

	// Health check
	r.Get("/health", h.Health)

	return r
}
