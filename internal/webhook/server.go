// Package webhook provides the HTTP ingestion server for Sprite reporters.
// Everything a running machine tells us — log lines, terminal status,
// artifacts — arrives here, authenticated per job with a bearer token.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/common/config"
	"github.com/opendispatch/opendispatch/internal/common/httpmw"
	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/events/bus"
	"github.com/opendispatch/opendispatch/internal/job"
)

const eventSource = "webhook"

// Server is the webhook ingestion server. It shares the job registry with
// the orchestrator: reporters resolve jobs the orchestrator created.
type Server struct {
	registry     *job.Registry
	bus          bus.EventBus
	logger       *logger.Logger
	router       *gin.Engine
	httpServer   *http.Server
	cleanupDelay time.Duration
	startedAt    time.Time
}

// NewServer creates the webhook server and wires its routes.
func NewServer(cfg *config.Config, registry *job.Registry, eventBus bus.EventBus, log *logger.Logger) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		registry:     registry,
		bus:          eventBus,
		logger:       log.WithFields(zap.String("component", "webhook")),
		router:       gin.New(),
		cleanupDelay: cfg.Jobs.CleanupDelay(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "webhook"))
	s.router.Use(httpmw.OtelTracing("webhook"))
	s.router.Use(bodyCapMiddleware(cfg.Webhook.MaxBodyBytes))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Webhook.Host, cfg.Webhook.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Webhook.ReadTimeoutDuration(),
		WriteTimeout: cfg.Webhook.WriteTimeoutDuration(),
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	hooks := s.router.Group("/webhooks")
	{
		hooks.POST("/logs", s.handleLogs)
		hooks.POST("/status", s.handleStatus)
		hooks.POST("/artifacts", s.handleArtifacts)
	}
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. Bind failures are
// returned synchronously so boot can abort.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind webhook server: %w", err)
	}
	s.startedAt = time.Now()
	go func() {
		s.logger.Info("webhook server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("webhook server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// publish sends an event on the bus; failures are logged, never surfaced to
// the reporter.
func (s *Server) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, eventSource, data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
