// Package api is the HTTP and WebSocket host: task submission and
// lifecycle routes, the role catalog, health and metrics endpoints, and the
// WebSocket upgrade for the event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/events"
	"github.com/agenthive/hive/pkg/orchestrate"
	"github.com/agenthive/hive/pkg/store"
	"github.com/agenthive/hive/pkg/version"
)

// Options configures a Server.
type Options struct {
	Orchestrator *orchestrate.Orchestrator
	Roles        *config.RoleRegistry

	// Store serves job history and event re-fetches; nil runs API-only on
	// the in-memory job table.
	Store *store.Client

	// ConnManager serves the WebSocket endpoint; nil disables /ws.
	ConnManager *events.ConnectionManager

	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// AllowedWSOrigins is the WebSocket origin allowlist. Empty accepts
	// same-origin requests only.
	AllowedWSOrigins []string

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	orch       *orchestrate.Orchestrator
	roles      *config.RoleRegistry
	store      *store.Client
	conns      *events.ConnectionManager
	gatherer   prometheus.Gatherer
	wsOrigins  []string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:      opts.Orchestrator,
		roles:     opts.Roles,
		store:     opts.Store,
		conns:     opts.ConnManager,
		gatherer:  opts.Gatherer,
		wsOrigins: opts.AllowedWSOrigins,
		logger:    logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(securityHeaders())

	router.GET("/healthz", s.health)
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.conns != nil {
		router.GET("/ws", s.handleWebSocket)
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/tasks", s.createTask)
		apiGroup.GET("/tasks", s.listTasks)
		apiGroup.GET("/tasks/:id", s.getTask)
		apiGroup.DELETE("/tasks/:id", s.deleteTask)
		apiGroup.POST("/tasks/:id/cancel", s.cancelTask)
		apiGroup.GET("/agents", s.listAgents)
		if s.store != nil {
			apiGroup.GET("/tasks/:id/steps", s.listTaskSteps)
			apiGroup.GET("/events/:id", s.getEvent)
		}
	}
	return router
}

// Start runs the HTTP server on addr, blocking until shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs each request with method, path, status, and latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// WebSocket upgrades hold the connection open; logging them on
		// close would report the session length as request latency.
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.logger.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// health reports process and database health. The engine itself is healthy
// whenever the process serves requests; the database section appears only
// when a store is wired.
func (s *Server) health(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.Full()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.store.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
	})
}
