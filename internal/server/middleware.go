package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/idgen"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/logging"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ratelimit"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/security"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/validation"
)

// Identity headers set by the upstream API gateway after it has
// authenticated the caller.
const (
	headerUserID    = "X-User-ID"
	headerUserRoles = "X-User-Roles"
	roleAdmin       = "admin"
)

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(identityMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Rate limiting keys by actor, so it runs after identity
	s.rateLimiter = ratelimit.New(ratelimit.FromRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// identityMiddleware copies the gateway identity into the gin context as
// actorID and into the request context for logging.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(headerUserID)); id != "" {
			c.Set("actorID", id)
			c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), id))
		}
		c.Next()
	}
}

// requireActor rejects requests without a caller identity.
func requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("actorID") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing caller identity",
			})
			return
		}
		c.Next()
	}
}

// adminOnly requires the admin role in X-User-Roles (comma separated).
func adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, role := range strings.Split(c.GetHeader(headerUserRoles), ",") {
			if strings.EqualFold(strings.TrimSpace(role), roleAdmin) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin role required",
		})
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}
