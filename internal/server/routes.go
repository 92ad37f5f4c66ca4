package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/admin"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/dispute"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/health"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
)

// Version is reported by the health endpoint.
var Version = "dev"

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(requireActor())

	escrow.NewHandler(s.escrows).RegisterProtectedRoutes(v1)
	disputes := dispute.NewHandler(s.disputes)
	disputes.RegisterProtectedRoutes(v1)
	v1.GET("/ws", s.websocketHandler)

	adminGroup := v1.Group("/admin")
	adminGroup.Use(adminOnly())
	disputes.RegisterAdminRoutes(adminGroup)

	adminHandler := admin.NewHandler().
		WithIntents(s.intents.Store(), s.sweeper).
		WithTaskRunner(s.scheduler).
		WithDeadlines(s.disputes)
	if s.balances != nil {
		adminHandler.WithBalanceChecker(s.balances)
	}
	adminHandler.RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Ledger    string          `json:"ledger"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	ledgerMode := "chain"
	if s.sim != nil {
		ledgerMode = "simulated"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Ledger:    ledgerMode,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// websocketHandler streams the caller's notifications.
func (s *Server) websocketHandler(c *gin.Context) {
	s.hub.HandleWebSocket(c.Writer, c.Request, c.GetString("actorID"))
}
