package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/types"
)

var allowedOperations = map[string]bool{
	command.OpReadParameter:  true,
	command.OpWriteParameter: true,
	command.OpBulkRead:       true,
	command.OpControlValve:   true,
	command.OpExecutePurge:   true,
	command.OpCloseAllValves: true,
}

// POST /api/v1/commands
func (s *Server) submitCommand(c *gin.Context) {
	var req struct {
		Operation string          `json:"operation" binding:"required"`
		Payload   json.RawMessage `json:"payload"`
		Priority  *int            `json:"priority"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("COMMAND_400", "Invalid request body", err.Error()))
		return
	}

	if !allowedOperations[req.Operation] {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("COMMAND_400", "Unknown operation", req.Operation))
		return
	}

	priority := command.PriorityDefault
	if req.Priority != nil {
		priority = *req.Priority
	}
	// The emergency priority is reserved for the safety coordinator
	if priority < command.PrioritySampler {
		priority = command.PrioritySampler
	}

	service := c.GetString("service")
	if service == "" {
		service = "api"
	}

	cmd, err := s.dispatcher.Submit(c.Request.Context(), req.Operation, req.Payload, service, priority, s.commandWaitTimeout)
	if err != nil {
		if errors.Is(err, types.ErrCommandTimeout) {
			c.JSON(http.StatusGatewayTimeout, types.NewErrorResponse("COMMAND_504", "Command did not complete in time", err.Error()))
			return
		}
		s.writeDomainError(c, err)
		return
	}

	status := http.StatusOK
	if cmd.Status == types.CommandError || cmd.Status == types.CommandFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, cmd)
}

// GET /api/v1/commands/:id
func (s *Server) getCommand(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("COMMAND_400", "Invalid command id", err.Error()))
		return
	}

	cmd, err := s.store.GetCommand(c.Request.Context(), id)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, cmd)
}

// GET /api/v1/executions/:id
func (s *Server) getExecutionStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("EXECUTION_400", "Invalid execution id", err.Error()))
		return
	}

	exec, state, err := s.engine.ExecutionStatusByID(c.Request.Context(), id)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution": exec,
		"state":     state,
	})
}
