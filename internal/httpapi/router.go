// Package httpapi exposes ingestion and query over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter registers every route on a fresh engine.
// allowOrigins is passed to CORS.
func NewRouter(h *Handler, logger *slog.Logger, allowOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORS(allowOrigins))
	r.Use(RequestID())
	r.Use(RequestLogger(logger))

	r.GET("/healthcheck", h.HealthCheck)

	r.POST("/ingest-url", h.IngestURL)
	r.POST("/refresh-url", h.RefreshURL)
	r.GET("/status", h.StatusOverview)
	r.GET("/status/:id", h.StatusByID)
	r.GET("/records", h.ListRecords)

	r.POST("/query", h.Query)
	r.GET("/query/health", h.QueryHealth)

	return r
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, engine *gin.Engine, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "http"),
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	return s.srv.Shutdown(shutdownCtx)
}
