package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenALDCore/internal/types"
)

// GET /api/v1/machine/status
func (s *Server) getMachineStatus(c *gin.Context) {
	machine, execution, err := s.engine.Status(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"machine":   machine,
		"execution": execution,
	})
}

// POST /api/v1/machine/start
func (s *Server) startRecipe(c *gin.Context) {
	var req struct {
		RecipeID string `json:"recipe_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("MACHINE_400", "Invalid request body", err.Error()))
		return
	}

	recipeID, err := uuid.Parse(req.RecipeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("MACHINE_400", "Invalid recipe_id", err.Error()))
		return
	}

	executionID, err := s.engine.StartRecipe(c.Request.Context(), recipeID)
	if err != nil {
		s.logger.Error("Recipe start failed",
			zap.String("recipe_id", req.RecipeID),
			zap.Error(err))
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":      "Recipe started",
		"execution_id": executionID,
	})
}

// POST /api/v1/machine/stop
func (s *Server) stopRecipe(c *gin.Context) {
	if err := s.engine.StopRecipe(c.Request.Context()); err != nil {
		s.writeDomainError(c, err)
		return
	}

	// The running step finishes first, then the machine drains to idle
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Stop requested",
	})
}

// POST /api/v1/machine/acknowledge
func (s *Server) acknowledgeError(c *gin.Context) {
	if err := s.safety.Acknowledge(c.Request.Context()); err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Error acknowledged, machine idle",
	})
}

// POST /api/v1/machine/emergency-stop
func (s *Server) emergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for the emergency endpoint
	_ = c.ShouldBindJSON(&req)

	service := c.GetString("service")
	if service == "" {
		service = "api"
	}

	if err := s.safety.Trigger(c.Request.Context(), "emergency_stop", service, req.Reason); err != nil {
		s.logger.Error("Emergency stop trigger failed", zap.Error(err))
		s.writeDomainError(c, err)
		return
	}

	s.logger.Warn("Emergency stop triggered via API",
		zap.String("service", service),
		zap.String("reason", req.Reason))

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Emergency stop triggered",
	})
}
