// Package api provides the HTTP surface of OutreachPipe.
//
// It exposes the on-demand processing entry point, the per-lead activity log and a
// health check. Processing itself is delegated to the outreach scheduler.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/gin-gonic/gin"
)

// DefaultAddr is the address the API listens on when none is configured.
const DefaultAddr = ":8080"

// LeadProcessor processes a single lead on demand.
type LeadProcessor interface {
	ProcessLeadNow(ctx context.Context, leadID string) models.ProcessResult
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	processor LeadProcessor
	leads     store.LeadStore
	activity  store.ActivityStore

	engine *gin.Engine
	srv    *http.Server
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewServer builds the router. Call ListenAndServe to start accepting requests.
func NewServer(addr string, p LeadProcessor, leads store.LeadStore, activity store.ActivityStore) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{processor: p, leads: leads, activity: activity}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.GET("/healthz", s.healthHandler)
	engine.POST("/leads/:id/process", s.processLeadHandler)
	engine.GET("/leads/:id/activity", s.activityHandler)
	engine.NoRoute(func(c *gin.Context) {
		writeJSONResponse(c, http.StatusNotFound, models.Error("Not found"))
	})
	s.engine = engine

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until the server stops. A graceful shutdown returns nil.
func (s *Server) ListenAndServe() error {
	slog.Info("OutreachPipe API listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("OutreachPipe API shutting down")
	return s.srv.Shutdown(ctx)
}

// requestLogger logs each request at debug level with its duration.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("API request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
