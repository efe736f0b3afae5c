package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrStateConflict is returned when a conditional machine-state update
// lost against a concurrent writer.
var ErrStateConflict = fmt.Errorf("machine state changed concurrently")

// EnsureMachineState creates the live row for the machine if it does not
// exist yet. An existing row keeps its status, a restart must not mask a
// persisted error state.
func (p *PostgresClient) EnsureMachineState(ctx context.Context, machineID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO machine_state (machine_id, status, state_since)
		VALUES ($1, $2, now())
		ON CONFLICT (machine_id) DO NOTHING
	`, machineID, types.MachineIdle)

	if err != nil {
		return &types.StorageError{Op: "ensure_machine_state", Err: err}
	}
	return nil
}

// GetMachineState reads the single live row for the machine.
func (p *PostgresClient) GetMachineState(ctx context.Context, machineID uuid.UUID) (*types.MachineState, error) {
	var state types.MachineState

	err := p.pool.QueryRow(ctx, `
		SELECT machine_id, status, current_process_id, COALESCE(error_message, ''), state_since
		FROM machine_state
		WHERE machine_id = $1
	`, machineID).Scan(
		&state.MachineID,
		&state.Status,
		&state.CurrentProcessID,
		&state.ErrorMessage,
		&state.StateSince,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("machine %s: %w", machineID, types.ErrNotFound)
		}
		return nil, &types.StorageError{Op: "get_machine_state", Err: err}
	}

	return &state, nil
}

// CompareAndSetMachineStatus transitions the machine state only if it still
// has the expected status. Lost updates between the state machine and any
// concurrent writer surface as ErrStateConflict.
func (p *PostgresClient) CompareAndSetMachineStatus(ctx context.Context, machineID uuid.UUID, from, to types.MachineStatus, processID *uuid.UUID, errorMessage string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE machine_state
		SET status = $3, current_process_id = $4, error_message = $5, state_since = now()
		WHERE machine_id = $1 AND status = $2
	`, machineID, from, to, processID, errorMessage)

	if err != nil {
		return &types.StorageError{Op: "cas_machine_status", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// ForceMachineStatus overrides the status unconditionally. Only the
// emergency path uses this; everything else goes through the CAS update.
func (p *PostgresClient) ForceMachineStatus(ctx context.Context, machineID uuid.UUID, to types.MachineStatus, processID *uuid.UUID, errorMessage string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE machine_state
		SET status = $2, current_process_id = $3, error_message = $4, state_since = now()
		WHERE machine_id = $1
	`, machineID, to, processID, errorMessage)

	if err != nil {
		return &types.StorageError{Op: "force_machine_status", Err: err}
	}
	return nil
}
