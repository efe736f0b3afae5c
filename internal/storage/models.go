package storage

import (
	"time"

	"github.com/google/uuid"
)

type Recipe struct {
	ID         uuid.UUID `json:"id"`
	RecipeName string    `json:"recipe_name"`
	Definition []byte    `json:"definition"` // JSONB
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
