package storage

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/jackc/pgx/v5"
)

// InsertEmergencySignal broadcasts a new stop signal with a TTL.
func (p *PostgresClient) InsertEmergencySignal(ctx context.Context, signal *types.EmergencySignal) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO emergency_signals (id, type, source, target, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, signal.ID, signal.Type, signal.Source, signal.Target, signal.Reason, signal.CreatedAt, signal.ExpiresAt)

	if err != nil {
		return &types.StorageError{Op: "insert_emergency_signal", Err: err}
	}
	return nil
}

// ActiveEmergencySignal returns the newest unexpired, unacknowledged signal
// addressed to the given target or broadcast to everyone. No active signal
// returns ErrNotFound.
func (p *PostgresClient) ActiveEmergencySignal(ctx context.Context, target string) (*types.EmergencySignal, error) {
	var signal types.EmergencySignal

	err := p.pool.QueryRow(ctx, `
		SELECT id, type, source, target, COALESCE(reason, ''), created_at, expires_at, cleared_at
		FROM emergency_signals
		WHERE cleared_at IS NULL
		  AND expires_at > now()
		  AND (target IS NULL OR target = $1)
		ORDER BY created_at DESC
		LIMIT 1
	`, target).Scan(
		&signal.ID,
		&signal.Type,
		&signal.Source,
		&signal.Target,
		&signal.Reason,
		&signal.CreatedAt,
		&signal.ExpiresAt,
		&signal.ClearedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, types.ErrNotFound
		}
		return nil, &types.StorageError{Op: "active_emergency_signal", Err: err}
	}

	return &signal, nil
}

// AcknowledgeEmergencySignals clears every live signal. Required before
// the machine may leave the error state.
func (p *PostgresClient) AcknowledgeEmergencySignals(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE emergency_signals
		SET cleared_at = now()
		WHERE cleared_at IS NULL
	`)

	if err != nil {
		return 0, &types.StorageError{Op: "acknowledge_emergency_signals", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

// PruneExpiredSignals deletes signals expired longer than the retention.
func (p *PostgresClient) PruneExpiredSignals(ctx context.Context, retention time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM emergency_signals
		WHERE expires_at < now() - $1::interval
	`, retention.String())

	if err != nil {
		return 0, &types.StorageError{Op: "prune_expired_signals", Err: err}
	}
	return int(tag.RowsAffected()), nil
}
