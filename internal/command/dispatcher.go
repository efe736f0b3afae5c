package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
)

// waitPollInterval: completion pickup is poll-based against the command
// row; 50ms keeps step latency low without hammering the store.
const waitPollInterval = 50 * time.Millisecond

// Store is the command-queue persistence surface.
type Store interface {
	EnqueueCommand(ctx context.Context, operation string, payload json.RawMessage, requestingService string, priority int) (uuid.UUID, error)
	ClaimNextCommand(ctx context.Context) (*types.Command, error)
	CompleteCommand(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	FailCommand(ctx context.Context, id uuid.UUID, status types.CommandStatus, reason string) error
	GetCommand(ctx context.Context, id uuid.UUID) (*types.Command, error)
	RequeueStaleCommands(ctx context.Context, lease time.Duration) (int, error)
}

// Dispatcher is the submission side of the queue: services enqueue
// commands and block on completion instead of touching the PLC link.
type Dispatcher struct {
	store Store
}

func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// Enqueue persists a pending command for the arbiter.
func (d *Dispatcher) Enqueue(ctx context.Context, operation string, payload json.RawMessage, requestingService string, priority int) (uuid.UUID, error) {
	return d.store.EnqueueCommand(ctx, operation, payload, requestingService, priority)
}

// Wait blocks until the command reaches a terminal status or the timeout
// elapses. A timeout is reported as ErrCommandTimeout; the command itself
// keeps running, hardware operations are not interrupted mid-flight.
func (d *Dispatcher) Wait(ctx context.Context, id uuid.UUID, timeout time.Duration) (*types.Command, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		cmd, err := d.store.GetCommand(ctx, id)
		if err != nil {
			return nil, err
		}
		if cmd.Done() {
			return cmd, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("command %s: %w", id, types.ErrCommandTimeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Submit is Enqueue followed by Wait. The terminal command is returned
// even when it failed; the caller inspects the status.
func (d *Dispatcher) Submit(ctx context.Context, operation string, payload json.RawMessage, requestingService string, priority int, timeout time.Duration) (*types.Command, error) {
	id, err := d.Enqueue(ctx, operation, payload, requestingService, priority)
	if err != nil {
		return nil, err
	}
	return d.Wait(ctx, id, timeout)
}
