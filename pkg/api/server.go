// Package api provides the gateway: the HTTP surface, authentication and
// RBAC hooks, the WebSocket endpoint, and the mapping from component errors
// to transport status codes. It binds to loopback/private addresses only.
package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/database"
	"github.com/wardenhq/warden/pkg/events"
	"github.com/wardenhq/warden/pkg/executor"
	"github.com/wardenhq/warden/pkg/integration"
	"github.com/wardenhq/warden/pkg/metrics"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/rbac"
	"github.com/wardenhq/warden/pkg/swarm"
	"github.com/wardenhq/warden/pkg/version"
)

// Server is the HTTP/WebSocket gateway.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config
	startedAt  time.Time

	dbClient     *database.Client // nil in tests without a database
	chain        *audit.Chain
	checker      *rbac.Checker
	limiter      *ratelimit.Limiter
	taskExecutor *executor.Executor
	swarmManager *swarm.Manager
	integrations *integration.Manager
	hub          *events.Hub
	metrics      *metrics.Metrics // nil = /metrics disabled

	auth *authenticator
}

// NewServer creates the gateway with all routes registered.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	chain *audit.Chain,
	checker *rbac.Checker,
	limiter *ratelimit.Limiter,
	taskExecutor *executor.Executor,
	swarmManager *swarm.Manager,
	integrations *integration.Manager,
	hub *events.Hub,
) *Server {
	e := echo.New()

	s := &Server{
		echo:         e,
		cfg:          cfg,
		startedAt:    time.Now(),
		dbClient:     dbClient,
		chain:        chain,
		checker:      checker,
		limiter:      limiter,
		taskExecutor: taskExecutor,
		swarmManager: swarmManager,
		integrations: integrations,
		hub:          hub,
		auth:         newAuthenticator(cfg.Server.Tokens, chain),
	}

	s.setupRoutes()
	return s
}

// SetMetrics wires the Prometheus registry and registers /metrics.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
	// Unauthenticated by design: the gateway binds to loopback/private
	// addresses only and the ingress guard rejects public clients.
	s.echo.GET("/metrics", echo.WrapHandler(m.Handler()))
}

// setupRoutes registers middleware and all API routes.
func (s *Server) setupRoutes() {
	// Request body ceiling; large payloads are rejected at the HTTP read
	// level before deserialisation.
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(privateIngressOnly())
	s.echo.Use(securityHeaders(s.cfg.Server.TLS.Enabled))
	s.echo.Use(corsAllowList(s.cfg.Server.AllowedOrigins))

	// Public routes.
	s.echo.GET("/health", s.healthHandler)

	// Everything else requires a bearer identity.
	v1 := s.echo.Group("/api/v1")
	v1.Use(s.auth.middleware())

	// Tasks.
	v1.POST("/tasks", s.createTaskHandler, s.requirePermission("tasks", "create"))
	v1.GET("/tasks", s.listTasksHandler, s.requirePermission("tasks", "read"))
	v1.GET("/tasks/:id", s.getTaskHandler, s.requirePermission("tasks", "read"))
	v1.PUT("/tasks/:id", s.updateTaskHandler, s.requirePermission("tasks", "update"))
	v1.DELETE("/tasks/:id", s.deleteTaskHandler, s.requirePermission("tasks", "delete"))
	v1.POST("/tasks/:id/cancel", s.cancelTaskHandler)

	// Swarms.
	v1.POST("/swarms/execute", s.executeSwarmHandler, s.requirePermission("swarms", "execute"))
	v1.POST("/swarms/estimate", s.estimateSwarmHandler, s.requirePermission("swarms", "read"))
	v1.GET("/swarms/templates", s.swarmTemplatesHandler, s.requirePermission("swarms", "read"))
	v1.GET("/swarms", s.listSwarmsHandler, s.requirePermission("swarms", "read"))
	v1.GET("/swarms/:id", s.getSwarmHandler, s.requirePermission("swarms", "read"))
	v1.POST("/swarms/:id/cancel", s.cancelSwarmHandler, s.requirePermission("swarms", "cancel"))

	// Audit.
	v1.GET("/audit", s.queryAuditHandler, s.requirePermission("audit", "read"))
	v1.GET("/audit/stats", s.auditStatsHandler, s.requirePermission("audit", "read"))
	v1.POST("/audit/verify", s.verifyAuditHandler, s.requirePermission("audit", "read"))
	v1.GET("/audit/export", s.exportAuditHandler, s.requirePermission("audit", "export"))
	v1.POST("/audit/retention", s.auditRetentionHandler, s.requirePermission("audit", "admin"))

	// Security events projection.
	v1.GET("/security/events", s.securityEventsHandler, s.requirePermission("security_events", "read"))

	// Integrations.
	v1.GET("/integrations", s.listIntegrationsHandler, s.requirePermission("integrations", "read"))
	v1.POST("/integrations/:id/start", s.startIntegrationHandler, s.requirePermission("integrations", "manage"))
	v1.POST("/integrations/:id/stop", s.stopIntegrationHandler, s.requirePermission("integrations", "manage"))
	v1.POST("/integrations/:id/test", s.testIntegrationHandler, s.requirePermission("integrations", "manage"))
	v1.POST("/integrations/:id/messages", s.sendIntegrationMessageHandler, s.requirePermission("integrations", "send"))

	// WebSocket endpoint. Token travels as ?token= — the WS handshake has
	// no header injection path from browsers.
	s.echo.GET("/ws/metrics", s.wsHandler)
}

// Start starts the HTTP server, with TLS/mTLS when configured. Blocking.
func (s *Server) Start() error {
	addr := s.cfg.ListenAddr()
	if err := rejectPublicBind(s.cfg.Server.Host); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsCfg := s.cfg.Server.TLS
	if !tlsCfg.Enabled {
		return s.httpServer.ListenAndServe()
	}

	if tlsCfg.CAPath != "" {
		caPEM, err := os.ReadFile(tlsCfg.CAPath)
		if err != nil {
			return fmt.Errorf("read mTLS CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("mTLS CA %s contains no certificates", tlsCfg.CAPath)
		}
		s.httpServer.TLSConfig = &tls.Config{
			ClientCAs:  pool,
			ClientAuth: tls.RequireAndVerifyClientCert,
			MinVersion: tls.VersionTLS12,
		}
	}
	return s.httpServer.ListenAndServeTLS(tlsCfg.CertPath, tlsCfg.KeyPath)
}

// StartWithListener serves on a pre-created listener. Used by tests to bind
// a random port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo, ReadHeaderTimeout: 10 * time.Second}
	return s.httpServer.Serve(ln)
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{
		Status:        "healthy",
		Version:       version.Full(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Dependencies:  map[string]bool{},
	}

	if s.dbClient != nil {
		reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
			resp.Status = "unhealthy"
			resp.Dependencies["database"] = false
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp.Dependencies["database"] = true
	}

	resp.Dependencies["executor"] = s.taskExecutor != nil
	resp.Dependencies["swarm"] = s.swarmManager != nil
	resp.Dependencies["integrations"] = s.integrations != nil

	if s.taskExecutor != nil {
		stats := s.taskExecutor.Stats()
		resp.Executor = &stats
	}
	if s.hub != nil {
		resp.WSClients = s.hub.ClientCount()
	}

	stats := s.cfg.Stats()
	resp.Configuration = &stats
	return c.JSON(http.StatusOK, resp)
}
