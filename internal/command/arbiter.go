package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenALDCore/internal/config"
	"github.com/KevinKickass/OpenALDCore/internal/plc"
	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor is the PLC link surface the arbiter drives. It is satisfied by
// *plc.Link; tests substitute a double.
type Executor interface {
	ReadParameter(ctx context.Context, id uuid.UUID) (float64, error)
	WriteParameter(ctx context.Context, id uuid.UUID, value float64) error
	ReadAll(ctx context.Context, defs []*types.ParameterDefinition) (map[uuid.UUID]plc.Reading, error)
	ControlValve(ctx context.Context, valve int, open bool, duration time.Duration) error
	ExecutePurge(ctx context.Context, duration time.Duration) error
	CloseAllValves(ctx context.Context) error
	Definition(id uuid.UUID) (*types.ParameterDefinition, bool)
	ActiveDefinitions() []*types.ParameterDefinition
}

// SafetyNotifier lets the arbiter raise and consult emergency signals
// without importing the coordinator.
type SafetyNotifier interface {
	Trigger(ctx context.Context, signalType, source, reason string) error
	CheckClear(ctx context.Context) error
}

// Metrics is a snapshot of the arbiter's counters.
type Metrics struct {
	Claimed     uint64        `json:"claimed"`
	Succeeded   uint64        `json:"succeeded"`
	Failed      uint64        `json:"failed"`
	Retried     uint64        `json:"retried"`
	Requeued    uint64        `json:"requeued"`
	LastLatency time.Duration `json:"last_latency_ns"`
}

// Arbiter is the single claimant of the command queue and the only
// component that invokes the PLC link. Commands run strictly serially in
// (priority, enqueue-order); bulk sampling therefore never overlaps a
// claimed command.
type Arbiter struct {
	store  Store
	link   Executor
	safety SafetyNotifier
	cfg    config.ArbiterConfig
	logger *zap.Logger

	metricsMu sync.Mutex
	metrics   Metrics

	lastStaleSweep time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewArbiter(store Store, link Executor, safety SafetyNotifier, cfg config.ArbiterConfig, logger *zap.Logger) *Arbiter {
	return &Arbiter{
		store:    store,
		link:     link,
		safety:   safety,
		cfg:      cfg,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start startet die Claim-Schleife
func (a *Arbiter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	a.running = true
	a.wg.Add(1)
	go a.claimLoop()

	a.logger.Info("Command arbiter started",
		zap.Duration("poll_interval", a.cfg.PollInterval),
		zap.Duration("claim_lease", a.cfg.ClaimLease))
	return nil
}

// Stop wartet auf das laufende Kommando und beendet die Schleife
func (a *Arbiter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.logger.Info("Command arbiter stopped")
}

func (a *Arbiter) claimLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.sweepStaleClaims()
			// drain everything that is pending before sleeping again
			for a.claimAndExecute() {
				select {
				case <-a.stopChan:
					return
				default:
				}
			}
		}
	}
}

// sweepStaleClaims requeues commands a crashed arbiter left behind.
func (a *Arbiter) sweepStaleClaims() {
	if time.Since(a.lastStaleSweep) < a.cfg.ClaimLease/2 {
		return
	}
	a.lastStaleSweep = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PollInterval)
	defer cancel()

	requeued, err := a.store.RequeueStaleCommands(ctx, a.cfg.ClaimLease)
	if err != nil {
		a.logger.Warn("Stale claim sweep failed", zap.Error(err))
		return
	}
	if requeued > 0 {
		a.metricsMu.Lock()
		a.metrics.Requeued += uint64(requeued)
		a.metricsMu.Unlock()
		a.logger.Warn("Requeued stale commands", zap.Int("count", requeued))
	}
}

// claimAndExecute claims at most one command. Returns true when a command
// was processed and more work may be pending.
func (a *Arbiter) claimAndExecute() bool {
	ctx := context.Background()

	cmd, err := a.store.ClaimNextCommand(ctx)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) && !errors.Is(err, types.ErrClaimConflict) {
			a.logger.Error("Command claim failed", zap.Error(err))
		}
		return false
	}

	a.metricsMu.Lock()
	a.metrics.Claimed++
	a.metricsMu.Unlock()

	// During an active emergency only the safe-state command may touch
	// the hardware. Everything else is rejected, not left pending.
	if err := a.safety.CheckClear(ctx); err != nil {
		var active *types.EmergencyActive
		if errors.As(err, &active) && cmd.Operation != OpCloseAllValves {
			a.failCommand(ctx, cmd, types.CommandError, fmt.Sprintf("rejected: %v", active))
			return true
		}
		if !errors.As(err, &active) {
			a.logger.Error("Safety check failed", zap.Error(err))
		}
	}

	start := time.Now()
	result, execErr := a.executeWithRetry(ctx, cmd)
	latency := time.Since(start)

	a.metricsMu.Lock()
	a.metrics.LastLatency = latency
	a.metricsMu.Unlock()

	if execErr != nil {
		a.logger.Error("Command failed",
			zap.String("command_id", cmd.ID.String()),
			zap.String("operation", cmd.Operation),
			zap.Duration("latency", latency),
			zap.Error(execErr))

		// exhausted transient retries end as "failed"; non-retryable
		// errors and emergency rejections as "error"
		status := types.CommandError
		if types.IsLinkError(execErr) {
			status = types.CommandFailed
		}
		a.failCommand(ctx, cmd, status, execErr.Error())

		if SafetyCritical(cmd.Operation) && cmd.Operation != OpCloseAllValves {
			if err := a.safety.Trigger(ctx, "command_failure", "arbiter",
				fmt.Sprintf("%s failed: %v", cmd.Operation, execErr)); err != nil {
				a.logger.Error("Failed to raise emergency signal", zap.Error(err))
			}
		}
		return true
	}

	if err := a.store.CompleteCommand(ctx, cmd.ID, result); err != nil {
		a.logger.Error("Failed to record command result",
			zap.String("command_id", cmd.ID.String()), zap.Error(err))
		return true
	}

	a.metricsMu.Lock()
	a.metrics.Succeeded++
	a.metricsMu.Unlock()

	a.logger.Debug("Command completed",
		zap.String("command_id", cmd.ID.String()),
		zap.String("operation", cmd.Operation),
		zap.Duration("latency", latency))
	return true
}

func (a *Arbiter) failCommand(ctx context.Context, cmd *types.Command, status types.CommandStatus, reason string) {
	a.metricsMu.Lock()
	a.metrics.Failed++
	a.metricsMu.Unlock()

	if err := a.store.FailCommand(ctx, cmd.ID, status, reason); err != nil {
		a.logger.Error("Failed to mark command failed",
			zap.String("command_id", cmd.ID.String()), zap.Error(err))
	}
}

// executeWithRetry retries transient link errors a bounded number of
// times with backoff before escalating.
func (a *Arbiter) executeWithRetry(ctx context.Context, cmd *types.Command) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			a.metricsMu.Lock()
			a.metrics.Retried++
			a.metricsMu.Unlock()

			select {
			case <-time.After(a.cfg.RetryBackoff * time.Duration(attempt)):
			case <-a.stopChan:
				return nil, lastErr
			}
		}

		result, err := a.execute(ctx, cmd)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// only link failures are worth retrying; safety violations and
		// bad payloads will not get better
		if !types.IsLinkError(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

// execute translates one command into PLC link calls.
func (a *Arbiter) execute(ctx context.Context, cmd *types.Command) (json.RawMessage, error) {
	switch cmd.Operation {
	case OpReadParameter:
		payload, err := decodePayload[ReadParameterPayload](cmd.Payload, cmd.Operation)
		if err != nil {
			return nil, err
		}
		value, err := a.link.ReadParameter(ctx, payload.ParameterID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ReadResult{Value: value})

	case OpWriteParameter:
		payload, err := decodePayload[WriteParameterPayload](cmd.Payload, cmd.Operation)
		if err != nil {
			return nil, err
		}
		if err := a.link.WriteParameter(ctx, payload.ParameterID, payload.Value); err != nil {
			return nil, err
		}
		return json.Marshal(ReadResult{Value: payload.Value})

	case OpBulkRead:
		defs := a.link.ActiveDefinitions()
		if len(cmd.Payload) > 0 {
			payload, err := decodePayload[BulkReadPayload](cmd.Payload, cmd.Operation)
			if err != nil {
				return nil, err
			}
			if len(payload.ParameterIDs) > 0 {
				defs = make([]*types.ParameterDefinition, 0, len(payload.ParameterIDs))
				for _, id := range payload.ParameterIDs {
					if def, ok := a.link.Definition(id); ok {
						defs = append(defs, def)
					}
				}
			}
		}
		readings, err := a.link.ReadAll(ctx, defs)
		if err != nil {
			return nil, err
		}
		result := BulkReadResult{Readings: make(map[uuid.UUID]ReadingResult, len(readings))}
		for id, r := range readings {
			result.Readings[id] = ReadingResult{Value: r.Value, Quality: string(r.Quality)}
		}
		return json.Marshal(result)

	case OpControlValve:
		payload, err := decodePayload[ControlValvePayload](cmd.Payload, cmd.Operation)
		if err != nil {
			return nil, err
		}
		if err := a.link.ControlValve(ctx, payload.Valve, payload.Open, payload.Duration()); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"success": true, "valve": payload.Valve, "open": payload.Open})

	case OpExecutePurge:
		payload, err := decodePayload[ExecutePurgePayload](cmd.Payload, cmd.Operation)
		if err != nil {
			return nil, err
		}
		if err := a.link.ExecutePurge(ctx, payload.Duration()); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"success": true})

	case OpCloseAllValves:
		if err := a.link.CloseAllValves(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"success": true})

	default:
		return nil, fmt.Errorf("unsupported operation: %s", cmd.Operation)
	}
}

// MetricsSnapshot returns a copy of the health counters.
func (a *Arbiter) MetricsSnapshot() Metrics {
	a.metricsMu.Lock()
	defer a.metricsMu.Unlock()
	return a.metrics
}
