package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateExecution inserts the ProcessExecution together with its
// ExecutionState cursor in one transaction.
func (p *PostgresClient) CreateExecution(ctx context.Context, exec *types.ProcessExecution, totalSteps int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return &types.StorageError{Op: "create_execution", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO process_executions (id, recipe_id, machine_id, status, started_at)
		VALUES ($1, $2, $3, $4, now())
	`, exec.ID, exec.RecipeID, exec.MachineID, exec.Status)
	if err != nil {
		return &types.StorageError{Op: "create_execution", Err: err}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO execution_state (execution_id, current_step_index, total_steps, updated_at)
		VALUES ($1, 0, $2, now())
	`, exec.ID, totalSteps)
	if err != nil {
		return &types.StorageError{Op: "create_execution", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &types.StorageError{Op: "create_execution", Err: err}
	}
	return nil
}

// GetExecution loads one ProcessExecution.
func (p *PostgresClient) GetExecution(ctx context.Context, id uuid.UUID) (*types.ProcessExecution, error) {
	var exec types.ProcessExecution

	err := p.pool.QueryRow(ctx, `
		SELECT id, recipe_id, machine_id, status, COALESCE(error_message, ''), started_at, completed_at
		FROM process_executions
		WHERE id = $1
	`, id).Scan(
		&exec.ID,
		&exec.RecipeID,
		&exec.MachineID,
		&exec.Status,
		&exec.ErrorMessage,
		&exec.StartedAt,
		&exec.CompletedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("execution %s: %w", id, types.ErrNotFound)
		}
		return nil, &types.StorageError{Op: "get_execution", Err: err}
	}

	return &exec, nil
}

// UpdateExecutionStatus moves the execution lifecycle forward. Terminal
// records are immutable: the update is conditional on a non-terminal status.
func (p *PostgresClient) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status types.ExecutionStatus, errorMessage string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE process_executions
		SET status = $2,
		    error_message = $3,
		    completed_at = CASE WHEN $2 IN ('completed', 'cancelled', 'error') THEN now() ELSE completed_at END
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled', 'error')
	`, id, status, errorMessage)

	if err != nil {
		return &types.StorageError{Op: "update_execution_status", Err: err}
	}
	return nil
}

// GetExecutionState loads the cursor row of one execution.
func (p *PostgresClient) GetExecutionState(ctx context.Context, executionID uuid.UUID) (*types.ExecutionState, error) {
	var state types.ExecutionState

	err := p.pool.QueryRow(ctx, `
		SELECT execution_id, current_step_index, total_steps, sub_state, updated_at
		FROM execution_state
		WHERE execution_id = $1
	`, executionID).Scan(
		&state.ExecutionID,
		&state.CurrentStepIndex,
		&state.TotalSteps,
		&state.SubState,
		&state.UpdatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("execution state %s: %w", executionID, types.ErrNotFound)
		}
		return nil, &types.StorageError{Op: "get_execution_state", Err: err}
	}

	return &state, nil
}

// AdvanceExecutionState moves the cursor atomically. The update is
// conditional on the expected index and rejects regressions, so the cursor
// is monotonically non-decreasing even across a crash-restart.
func (p *PostgresClient) AdvanceExecutionState(ctx context.Context, executionID uuid.UUID, fromIndex, toIndex int, subState json.RawMessage) error {
	if toIndex < fromIndex {
		return fmt.Errorf("cursor regression %d -> %d rejected", fromIndex, toIndex)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE execution_state
		SET current_step_index = $3, sub_state = $4, updated_at = now()
		WHERE execution_id = $1 AND current_step_index = $2
	`, executionID, fromIndex, toIndex, subState)

	if err != nil {
		return &types.StorageError{Op: "advance_execution_state", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}
