// Package gateway provides the observer surface: a REST API under /api/v1
// and a WebSocket endpoint at /ws, on its own port. Chat users never touch
// this; it exists for dashboards, tooling and operators.
package gateway

import (
	"context"
	"errors"
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
	gwws "github.com/opendispatch/opendispatch/internal/gateway/websocket"
	"github.com/opendispatch/opendispatch/internal/orchestrator"
)

// Server hosts the gateway: gin router, WebSocket hub and the bus bridge
// that feeds hub subscribers.
type Server struct {
	manager    *orchestrator.Manager
	ws         *gwws.Gateway
	bridge     *gwws.Bridge
	httpServer *http.Server
	logger     *logger.Logger
	cancelHub  context.CancelFunc
	startedAt  time.Time
}

// NewServer wires the router, handlers and hub. Start actually binds.
func NewServer(cfg *config.Config, manager *orchestrator.Manager, eventBus bus.EventBus, log *logger.Logger) *Server {
	s := &Server{
		manager:   manager,
		logger:    log.WithFields(zap.String("component", "gateway")),
		startedAt: time.Now(),
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(s.logger, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))

	// WebSocket endpoint - primary realtime transport
	s.ws = gwws.NewGateway(log)
	s.ws.SetupRoutes(router)
	s.bridge = gwws.NewBridge(s.ws.Hub, eventBus, log)

	RegisterInstanceRoutes(router, s.ws.Dispatcher, manager, log)
	RegisterJobRoutes(router, s.ws.Dispatcher, manager, log)

	router.GET("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *gwws.Hub {
	return s.ws.Hub
}

// Start runs the hub, subscribes the bridge and binds the listener.
func (s *Server) Start() error {
	hubCtx, cancel := context.WithCancel(context.Background())
	s.cancelHub = cancel
	go s.ws.Hub.Run(hubCtx)

	if err := s.bridge.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start event bridge: %w", err)
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.bridge.Stop()
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("gateway listening",
		zap.String("addr", s.httpServer.Addr),
		zap.String("websocket", "/ws"),
		zap.String("http", "/api/v1"))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the bridge, drains HTTP and closes all hub clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bridge.Stop()
	err := s.httpServer.Shutdown(ctx)
	if s.cancelHub != nil {
		s.cancelHub()
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "open-dispatch",
		"clients":   s.ws.Hub.GetClientCount(),
		"instances": len(s.manager.List()),
		"uptime":    time.Since(s.startedAt).Seconds(),
	})
}

// corsMiddleware allows browser dashboards on other origins to reach the
// gateway, including WebSocket upgrade preflights.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
