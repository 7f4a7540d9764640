package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/broadcast"
	"github.com/relaycast/relaycast/internal/common/config"
	"github.com/relaycast/relaycast/internal/connstate"
	"github.com/relaycast/relaycast/internal/reconnect"
	"github.com/relaycast/relaycast/pkg/metrics"
)

type (
	// Server exposes the coordinator over HTTP: the SSE stream endpoint
	// plus the session management API.
	Server struct {
		logger *zap.Logger
		port   int
		router *gin.Engine
		// broadcaster owns session fan-out and the backing store
		broadcaster *broadcast.Broadcaster
		// tracker holds per-connection lifecycle state
		tracker *connstate.Tracker
		// reconnect retries the subscribe path for resuming clients
		reconnect *reconnect.Manager
		metrics   *metrics.Metrics
		// heartbeat controls keepalive frames on open streams
		heartbeat config.HeartbeatConfig
		// shutdownCh is used to signal shutdown to all SSE connections
		shutdownCh chan struct{}
	}
)

// NewServer creates a new coordinator server
func NewServer(logger *zap.Logger, port int, b *broadcast.Broadcaster, t *connstate.Tracker, rc *reconnect.Manager, m *metrics.Metrics, heartbeat config.HeartbeatConfig) (*Server, error) {
	s := &Server{
		logger:      logger,
		port:        port,
		router:      gin.New(),
		broadcaster: b,
		tracker:     t,
		reconnect:   rc,
		metrics:     m,
		heartbeat:   heartbeat,
		shutdownCh:  make(chan struct{}),
	}

	s.router.Use(s.loggerMiddleware())
	s.router.Use(s.recoveryMiddleware())
	if m != nil {
		s.router.Use(m.Middleware())
	}
	return s, nil
}

// RegisterRoutes registers all HTTP routes
func (s *Server) RegisterRoutes() {
	s.router.GET("/health_check", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Health check passed.",
		})
	})

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.router.GET("/sessions/:id/stream", s.handleStream)

	api := s.router.Group("/api")
	api.POST("/sessions", s.handleCreateOrAttach)
	api.GET("/sessions", s.handleListActive)
	api.DELETE("/sessions/:id", s.handleForceClose)
	api.POST("/sessions/:id/events", s.handlePublish)
}

// Router returns the underlying gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Start() {
	go func() {
		if err := s.router.Run(fmt.Sprintf(":%d", s.port)); err != nil {
			s.logger.Error("failed to start server", zap.Error(err))
		}
	}()
}

// Shutdown signals all open streams to end and waits briefly for them to
// drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	close(s.shutdownCh)

	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}
