package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.Background == nil {
		cfg.Background = context.Background()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist(cfg.AllowedOrigins...))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(LoopbackGuard())
		r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))

		r.Get("/sessions", listSessionsHandler(cfg))
		r.Post("/sessions", createSessionHandler(cfg))

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", getSessionHandler(cfg))
			r.Delete("/", deleteSessionHandler(cfg))
			r.Post("/analyze", analyzeHandler(cfg))
			r.Get("/video", videoInfoHandler(cfg))
			r.Get("/transcription", transcriptionHandler(cfg))
			r.Get("/scenes", scenesHandler(cfg))

			r.Get("/plan", getPlanHandler(cfg))
			r.Put("/plan", updatePlanHandler(cfg))
			r.Post("/plan/steps/{index}/toggle", toggleStepHandler(cfg))
			r.Post("/selection", submitSelectionHandler(cfg))
			r.Get("/plan.edl", planEDLHandler(cfg))

			r.Get("/exports", listExportsHandler(cfg))
			r.Post("/exports/{format}", exportHandler(cfg))
			r.Get("/exports/{format}/download", downloadHandler(cfg))
			r.Head("/exports/{format}/download", downloadHandler(cfg))

			r.Get("/events", eventsHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if cfg.Health != nil {
			snap, err := cfg.Health.Get(r.Context())
			resp.Backend = BackendHealthToResponse(cfg.BackendURL, snap, err)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
