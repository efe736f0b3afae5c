package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SaveRecipe stores a recipe definition.
func (p *PostgresClient) SaveRecipe(ctx context.Context, recipe *Recipe) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO recipes (recipe_name, definition, active)
		VALUES ($1, $2, $3)
		RETURNING id
	`, recipe.RecipeName, recipe.Definition, recipe.Active).Scan(&recipe.ID)

	if err != nil {
		return &types.StorageError{Op: "save_recipe", Err: err}
	}
	return nil
}

// LoadRecipe loads one recipe by ID.
func (p *PostgresClient) LoadRecipe(ctx context.Context, recipeID uuid.UUID) (*Recipe, error) {
	var recipe Recipe

	err := p.pool.QueryRow(ctx, `
		SELECT id, recipe_name, definition, active, created_at, updated_at
		FROM recipes
		WHERE id = $1
	`, recipeID).Scan(
		&recipe.ID,
		&recipe.RecipeName,
		&recipe.Definition,
		&recipe.Active,
		&recipe.CreatedAt,
		&recipe.UpdatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("recipe %s: %w", recipeID, types.ErrNotFound)
		}
		return nil, &types.StorageError{Op: "load_recipe", Err: err}
	}

	return &recipe, nil
}

// ListRecipes returns all stored recipes without their definitions.
func (p *PostgresClient) ListRecipes(ctx context.Context) ([]Recipe, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, recipe_name, active, created_at, updated_at
		FROM recipes
		ORDER BY recipe_name
	`)
	if err != nil {
		return nil, &types.StorageError{Op: "list_recipes", Err: err}
	}
	defer rows.Close()

	recipes := make([]Recipe, 0)
	for rows.Next() {
		var r Recipe
		if err := rows.Scan(&r.ID, &r.RecipeName, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, &types.StorageError{Op: "list_recipes", Err: err}
		}
		recipes = append(recipes, r)
	}

	return recipes, nil
}
