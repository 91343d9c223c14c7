package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/barber-sync/internal/dashboard"
	httpmiddleware "github.com/wolfman30/barber-sync/internal/http/middleware"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Dashboard          *dashboard.Handler
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// RateLimiter guards command routes when set.
	RateLimiter *httpmiddleware.RateLimiter

	// Online reports connectivity for /health. Optional.
	Online func() bool
}

// New creates the agent's HTTP surface.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", healthHandler(cfg.Online))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Dashboard == nil {
		return r
	}
	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			read.Use(middleware.Compress(5))
			cfg.Dashboard.RegisterRoutes(read)
		})
		api.Group(func(cmd chi.Router) {
			if cfg.RateLimiter != nil {
				cmd.Use(cfg.RateLimiter.Middleware)
			}
			if cfg.AdminAuthSecret != "" {
				cmd.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret, cfg.Logger))
			}
			cfg.Dashboard.RegisterCommandRoutes(cmd)
		})
	})
	return r
}

func healthHandler(online func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if online != nil {
			body["online"] = online()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
