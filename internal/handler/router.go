package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires every route of the gateway
func NewRouter(h *RecordHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", clientHeader},
		MaxAge:         300,
	}))

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/metrics", h.GetMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/urls", h.CreateRecord)
		r.Get("/urls", h.ListRecords)
		r.Get("/urls/{id}", h.GetRecord)

		r.Post("/scrape", h.CreateRecord)
		r.Post("/scrape/batch", h.CreateBatch)

		r.Get("/statistics", h.GetStatistics)
		r.Post("/process", h.Process)
		r.Post("/retry-failed", h.RetryFailed)

		r.Get("/queue/status", h.QueueStatus)
		r.Post("/queue/add", h.AddToQueue)
		r.Post("/queue/reset", h.ResetQueue)
	})

	return r
}
