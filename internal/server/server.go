package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the control API listener.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the control API. maxSkew limits request Date drift, see
// AuthMiddleware.
func NewServer(port int, api *API, auth Authenticator, maxSkew time.Duration, logger *slog.Logger) *Server {
	router := NewEngine(logger)
	router.Use(AuthMiddleware(auth, maxSkew, time.Now))
	api.RegisterRoutes(router)

	s := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{http: s, logger: logger}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until Shutdown.
func (s *Server) Run() error {
	s.logger.Info("control API listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control API: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
