package storage

import (
	"context"

	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
)

// ListParameterDefinitions loads the immutable parameter reference data.
func (p *PostgresClient) ListParameterDefinitions(ctx context.Context, activeOnly bool) ([]*types.ParameterDefinition, error) {
	query := `
		SELECT id, name, address, register_kind, data_type, COALESCE(unit, ''),
		       COALESCE(scale_factor, 1.0), min_value, max_value, writable, active
		FROM parameter_definitions
	`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY address`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, &types.StorageError{Op: "list_parameter_definitions", Err: err}
	}
	defer rows.Close()

	defs := make([]*types.ParameterDefinition, 0)
	for rows.Next() {
		var def types.ParameterDefinition
		err := rows.Scan(
			&def.ID,
			&def.Name,
			&def.Address,
			&def.Kind,
			&def.DataType,
			&def.Unit,
			&def.ScaleFactor,
			&def.MinValue,
			&def.MaxValue,
			&def.Writable,
			&def.Active,
		)
		if err != nil {
			return nil, &types.StorageError{Op: "list_parameter_definitions", Err: err}
		}
		defs = append(defs, &def)
	}

	return defs, nil
}

// WriteSampleBatch commits one sampler tick in a single transaction:
// every sample goes to the idle history, process-scoped copies are added
// only when processID is set, and the cached current_value (plus set_value
// for confirmed writes) is updated in the same unit. A failure rolls the
// whole tick back; nothing is half-written across destinations.
func (p *PostgresClient) WriteSampleBatch(ctx context.Context, samples []types.ParameterSample, processID *uuid.UUID, setValues map[uuid.UUID]float64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return &types.StorageError{Op: "write_sample_batch", Err: err}
	}
	defer tx.Rollback(ctx)

	for _, s := range samples {
		_, err = tx.Exec(ctx, `
			INSERT INTO parameter_samples (parameter_id, value, quality, sampled_at)
			VALUES ($1, $2, $3, $4)
		`, s.ParameterID, s.Value, s.Quality, s.Timestamp)
		if err != nil {
			return &types.StorageError{Op: "write_sample_batch", Err: err}
		}

		if processID != nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO process_samples (execution_id, parameter_id, value, quality, sampled_at)
				VALUES ($1, $2, $3, $4, $5)
			`, *processID, s.ParameterID, s.Value, s.Quality, s.Timestamp)
			if err != nil {
				return &types.StorageError{Op: "write_sample_batch", Err: err}
			}
		}

		if s.Quality == types.QualityGood {
			_, err = tx.Exec(ctx, `
				UPDATE parameter_definitions
				SET current_value = $2, value_updated_at = $3
				WHERE id = $1
			`, s.ParameterID, s.Value, s.Timestamp)
			if err != nil {
				return &types.StorageError{Op: "write_sample_batch", Err: err}
			}
		}
	}

	for id, value := range setValues {
		_, err = tx.Exec(ctx, `
			UPDATE parameter_definitions SET set_value = $2 WHERE id = $1
		`, id, value)
		if err != nil {
			return &types.StorageError{Op: "write_sample_batch", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &types.StorageError{Op: "write_sample_batch", Err: err}
	}
	return nil
}
