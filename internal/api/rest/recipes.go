package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KevinKickass/OpenALDCore/internal/storage"
	"github.com/KevinKickass/OpenALDCore/internal/types"
)

// GET /api/v1/recipes
func (s *Server) listRecipes(c *gin.Context) {
	recipes, err := s.store.ListRecipes(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recipes": recipes,
		"count":   len(recipes),
	})
}

// GET /api/v1/recipes/:id
func (s *Server) getRecipe(c *gin.Context) {
	recipeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RECIPE_400", "Invalid recipe id", err.Error()))
		return
	}

	rec, err := s.store.LoadRecipe(c.Request.Context(), recipeID)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// POST /api/v1/recipes
func (s *Server) createRecipe(c *gin.Context) {
	var req struct {
		Name       string          `json:"name" binding:"required"`
		Definition json.RawMessage `json:"definition" binding:"required"`
		Active     bool            `json:"active"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RECIPE_400", "Invalid request body", err.Error()))
		return
	}

	// Schema validation before the definition hits the database
	if err := s.validator.ValidateDefinition(req.Definition); err != nil {
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse("RECIPE_422", "Recipe definition rejected", err.Error()))
		return
	}

	rec := &storage.Recipe{
		RecipeName: req.Name,
		Definition: req.Definition,
		Active:     req.Active,
	}

	if err := s.store.SaveRecipe(c.Request.Context(), rec); err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Recipe saved",
		"id":      rec.ID,
	})
}

// POST /api/v1/recipes/validate
func (s *Server) validateRecipe(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RECIPE_400", "Failed to read body", err.Error()))
		return
	}

	if err := s.validator.ValidateDefinition(body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid": true,
	})
}
