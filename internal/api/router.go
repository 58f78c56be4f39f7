// Package api is the campaign control surface: create, edit, list and drive
// campaigns through their lifecycle over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
)

// RouterOptions holds the optional pieces mounted next to the control API.
type RouterOptions struct {
	CORSOrigins []string
	// Tracking mounts the tracking edge on the same listener when set.
	Tracking interface{ Mount(chi.Router) }
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// SetupRoutes configures all routes.
func SetupRoutes(h *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Tracking != nil {
		opts.Tracking.Mount(r)
	}

	r.Route("/api/campaigns", func(r chi.Router) {
		r.Get("/", h.HandleListCampaigns)
		r.Post("/", h.HandleCreateCampaign)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetCampaign)
			r.Patch("/", h.HandleUpdateCampaign)
			r.Get("/stats", h.HandleCampaignStats)
			r.Post("/start", h.HandleStart)
			r.Post("/pause", h.HandlePause)
			r.Post("/resume", h.HandleResume)
			r.Post("/cancel", h.HandleCancel)
		})
	})

	return r
}
