package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/compass/internal/auth"
	"github.com/MikeSquared-Agency/compass/internal/conversation"
)

type Server struct {
	router     *chi.Mux
	port       int
	httpServer *http.Server
	conv       *conversation.Controller
	cookie     *auth.SessionCookie
	production bool
	logger     *slog.Logger
}

func NewServer(port int, conv *conversation.Controller, signer *auth.Signer, cookie *auth.SessionCookie, production bool, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		port:       port,
		conv:       conv,
		cookie:     cookie,
		production: production,
		logger:     logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/compass/status", s.status)

	router.Route("/api/v1/conversation", func(r chi.Router) {
		r.Use(auth.Middleware(signer))
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/session", s.initSession)
		r.Delete("/session", s.deleteSession)
		r.Post("/interact", s.interact)
		r.Get("/state", s.state)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	env := "development"
	if s.production {
		env = "production"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "compass",
		"env":     env,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
