package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	machine, execution, err := s.engine.Status(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	emergency, err := s.safety.Active(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"machine":           machine,
		"execution":         execution,
		"emergency":         emergency,
		"arbiter":           s.arbiter.MetricsSnapshot(),
		"sampler":           s.sampler.HealthSnapshot(),
		"connected_clients": s.wsHub.GetClientCount(),
	})
}
