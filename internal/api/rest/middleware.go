package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenALDCore/internal/storage"
	"github.com/KevinKickass/OpenALDCore/internal/types"
)

// LoggerMiddleware logs every request with zap
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// CORSMiddleware allows cross-origin requests from the dashboard
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// writeDomainError maps domain errors onto HTTP status codes.
func (s *Server) writeDomainError(c *gin.Context, err error) {
	var (
		safetyErr *types.SafetyViolation
		emergency *types.EmergencyActive
		configErr *types.ConfigurationError
		linkErr   *types.LinkError
	)

	switch {
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("NOT_FOUND", "Resource not found", err.Error()))
	case errors.As(err, &safetyErr):
		c.JSON(http.StatusForbidden, types.NewErrorResponse("SAFETY_VIOLATION", "Rejected by safety checks", err.Error()))
	case errors.As(err, &emergency):
		c.JSON(http.StatusConflict, types.NewErrorResponse("EMERGENCY_ACTIVE", "Emergency stop is active", err.Error()))
	case errors.Is(err, storage.ErrStateConflict):
		c.JSON(http.StatusConflict, types.NewErrorResponse("STATE_CONFLICT", "Machine is not in the required state", err.Error()))
	case errors.As(err, &configErr):
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse("INVALID_CONFIG", "Invalid configuration", err.Error()))
	case errors.As(err, &linkErr):
		c.JSON(http.StatusBadGateway, types.NewErrorResponse("PLC_UNAVAILABLE", "PLC link error", err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("INTERNAL", "Internal error", err.Error()))
	}
}
