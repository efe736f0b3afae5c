package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/types"
)

// GET /api/v1/parameters
func (s *Server) listParameters(c *gin.Context) {
	defs, err := s.store.ListParameterDefinitions(c.Request.Context(), false)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	// Letzter Messwert aus dem Sampler-Cache, falls vorhanden
	type paramWithValue struct {
		*types.ParameterDefinition
		CurrentValue *float64 `json:"current_value,omitempty"`
	}

	out := make([]paramWithValue, 0, len(defs))
	for _, def := range defs {
		entry := paramWithValue{ParameterDefinition: def}
		if v, ok := s.sampler.CurrentValue(def.ID); ok {
			value := v
			entry.CurrentValue = &value
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"parameters": out,
		"count":      len(out),
	})
}

// POST /api/v1/parameters/:id/read
func (s *Server) readParameter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PARAM_400", "Invalid parameter id", err.Error()))
		return
	}

	payload, _ := json.Marshal(command.ReadParameterPayload{ParameterID: id})

	service := c.GetString("service")
	cmd, err := s.dispatcher.Submit(c.Request.Context(), command.OpReadParameter, payload, service, command.PrioritySampler, s.commandWaitTimeout)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, cmd)
}

// POST /api/v1/parameters/:id/write
func (s *Server) writeParameter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PARAM_400", "Invalid parameter id", err.Error()))
		return
	}

	var req struct {
		Value float64 `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PARAM_400", "Invalid request body", err.Error()))
		return
	}

	payload, _ := json.Marshal(command.WriteParameterPayload{ParameterID: id, Value: req.Value})

	service := c.GetString("service")
	cmd, err := s.dispatcher.Submit(c.Request.Context(), command.OpWriteParameter, payload, service, command.PriorityStep, s.commandWaitTimeout)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	if cmd.Status == types.CommandError || cmd.Status == types.CommandFailed {
		c.JSON(http.StatusUnprocessableEntity, cmd)
		return
	}

	c.JSON(http.StatusOK, cmd)
}
