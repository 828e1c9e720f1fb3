package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/fanyifanyi/fanyifanyi/internal/auth"
	"github.com/fanyifanyi/fanyifanyi/internal/handlers"
	mw "github.com/fanyifanyi/fanyifanyi/internal/middleware"
	ws "github.com/fanyifanyi/fanyifanyi/internal/websocket"
)

type Server struct {
	Router *chi.Mux
	Auth   *auth.Service
	WSHub  *ws.Hub
}

type Config struct {
	Auth       *auth.Service
	Controller handlers.Controller
	Settings   handlers.SettingsLoader
	Attempts   handlers.AttemptLister
	System     *handlers.SystemHandler
	Port       int
	Origins    []string
}

func New(cfg Config) *Server {
	origins := cfg.Origins
	if origins == nil {
		origins = mw.DefaultOrigins
	}

	s := &Server{
		Router: chi.NewRouter(),
		Auth:   cfg.Auth,
		WSHub:  ws.NewHub(cfg.Auth, cfg.Port, origins),
	}

	s.setupMiddleware(origins)
	s.setupRoutes(cfg)

	return s
}

func (s *Server) setupMiddleware(origins []string) {
	s.Router.Use(chiMiddleware.RealIP)
	s.Router.Use(mw.RequestID)
	s.Router.Use(mw.SecurityHeaders)
	s.Router.Use(mw.Logger)
	s.Router.Use(mw.CORS(origins))
	s.Router.Use(chiMiddleware.Recoverer)
}

func (s *Server) setupRoutes(cfg Config) {
	updateHandler := handlers.NewUpdateHandler(cfg.Controller, cfg.Settings, cfg.Attempts)
	systemHandler := cfg.System

	s.Router.Route("/api/v1", func(r chi.Router) {
		// Public health check (used by the shell while polling for the sidecar)
		r.Get("/system/health", systemHandler.Health)
		r.Get("/system/info", systemHandler.Info)

		// WebSocket (auth handled internally)
		r.Get("/ws", s.WSHub.HandleWS)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(mw.Auth(s.Auth))

			r.Route("/update", func(r chi.Router) {
				r.Get("/", updateHandler.Status)
				r.With(mw.RateLimit(10, time.Minute)).Post("/check", updateHandler.Check)
				r.Post("/download", updateHandler.Download)
				r.Post("/dismiss", updateHandler.Dismiss)
				r.Post("/reset-dismissed", updateHandler.ResetDismissed)
				r.Post("/clear-error", updateHandler.ClearError)
				r.Post("/retry", updateHandler.Retry)
				r.Post("/relaunch", updateHandler.Relaunch)
				r.Get("/settings", updateHandler.GetSettings)
				r.Put("/settings", updateHandler.UpdateSettings)
				r.Get("/startup", updateHandler.Startup)
				r.Post("/startup/ack", updateHandler.AcknowledgeStartup)
				r.Get("/history", updateHandler.History)
			})
		})
	})

	s.Router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
}
