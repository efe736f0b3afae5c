package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnqueueCommand persists a new pending command and returns its ID.
func (p *PostgresClient) EnqueueCommand(ctx context.Context, operation string, payload json.RawMessage, requestingService string, priority int) (uuid.UUID, error) {
	id := uuid.New()

	_, err := p.pool.Exec(ctx, `
		INSERT INTO commands (id, operation, payload, requesting_service, priority, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, now())
	`, id, operation, payload, requestingService, priority)

	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue command: %w", err)
	}

	return id, nil
}

// ClaimNextCommand atomically claims the highest-priority pending command.
// FOR UPDATE SKIP LOCKED guarantees at most one claimant per command even
// with concurrent arbiters. An empty queue returns ErrNotFound.
func (p *PostgresClient) ClaimNextCommand(ctx context.Context) (*types.Command, error) {
	var cmd types.Command
	var claimedAt time.Time

	err := p.pool.QueryRow(ctx, `
		UPDATE commands SET status = 'processing', claimed_at = now()
		WHERE id = (
			SELECT id FROM commands
			WHERE status = 'pending'
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, operation, payload, requesting_service, priority, status, attempts, created_at, claimed_at
	`).Scan(
		&cmd.ID,
		&cmd.Operation,
		&cmd.Payload,
		&cmd.RequestingService,
		&cmd.Priority,
		&cmd.Status,
		&cmd.Attempts,
		&cmd.CreatedAt,
		&claimedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, types.ErrNotFound
		}
		return nil, &types.StorageError{Op: "claim_command", Err: err}
	}

	cmd.ClaimedAt = &claimedAt
	return &cmd, nil
}

// CompleteCommand records the result. Conditional on the processing
// status, so a duplicate completion is a no-op.
func (p *PostgresClient) CompleteCommand(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE commands
		SET status = 'completed', result = $2, completed_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, result)

	if err != nil {
		return &types.StorageError{Op: "complete_command", Err: err}
	}
	return nil
}

// FailCommand marks a claimed command failed or error with a reason.
func (p *PostgresClient) FailCommand(ctx context.Context, id uuid.UUID, status types.CommandStatus, reason string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE commands
		SET status = $2, error_message = $3, completed_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, status, reason)

	if err != nil {
		return &types.StorageError{Op: "fail_command", Err: err}
	}
	return nil
}

// GetCommand loads one command by ID.
func (p *PostgresClient) GetCommand(ctx context.Context, id uuid.UUID) (*types.Command, error) {
	var cmd types.Command

	err := p.pool.QueryRow(ctx, `
		SELECT id, operation, payload, requesting_service, priority, status,
		       result, COALESCE(error_message, ''), attempts, created_at, claimed_at, completed_at
		FROM commands
		WHERE id = $1
	`, id).Scan(
		&cmd.ID,
		&cmd.Operation,
		&cmd.Payload,
		&cmd.RequestingService,
		&cmd.Priority,
		&cmd.Status,
		&cmd.Result,
		&cmd.ErrorMessage,
		&cmd.Attempts,
		&cmd.CreatedAt,
		&cmd.ClaimedAt,
		&cmd.CompletedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("command %s: %w", id, types.ErrNotFound)
		}
		return nil, &types.StorageError{Op: "get_command", Err: err}
	}

	return &cmd, nil
}

// RequeueStaleCommands returns claimed-but-never-completed commands to the
// pending queue once their claim lease expires (crashed arbiter recovery).
func (p *PostgresClient) RequeueStaleCommands(ctx context.Context, lease time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE commands
		SET status = 'pending', claimed_at = NULL, attempts = attempts + 1
		WHERE status = 'processing' AND claimed_at < now() - $1::interval
	`, lease.String())

	if err != nil {
		return 0, &types.StorageError{Op: "requeue_stale_commands", Err: err}
	}

	return int(tag.RowsAffected()), nil
}
