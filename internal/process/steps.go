package process

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/recipe"
	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const settlePollInterval = 250 * time.Millisecond

// Submitter is the command-queue client side; satisfied by
// *command.Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, operation string, payload json.RawMessage, requestingService string, priority int, timeout time.Duration) (*types.Command, error)
}

// WriteRecorder receives confirmed setpoint writes so the sampler can
// persist set_value together with the next tick.
type WriteRecorder interface {
	RecordSetValue(id uuid.UUID, value float64)
}

// StepExecutor translates resolved recipe steps into queued hardware
// commands. It never touches the PLC link itself.
type StepExecutor struct {
	dispatcher  Submitter
	recorder    WriteRecorder
	waitTimeout time.Duration
	logger      *zap.Logger
}

// SetWriteRecorder attaches the sampler's set-value sink.
func (e *StepExecutor) SetWriteRecorder(r WriteRecorder) {
	e.recorder = r
}

func NewStepExecutor(dispatcher Submitter, waitTimeout time.Duration, logger *zap.Logger) *StepExecutor {
	return &StepExecutor{
		dispatcher:  dispatcher,
		waitTimeout: waitTimeout,
		logger:      logger,
	}
}

// Execute runs one leaf step to completion. Loop steps are sequenced by
// the engine's frame stack, not here.
func (e *StepExecutor) Execute(ctx context.Context, step *recipe.Step) error {
	switch step.Type {
	case recipe.StepTypeValve:
		return e.executeValve(ctx, step.Valve)
	case recipe.StepTypePurge:
		return e.executePurge(ctx, step.Purge)
	case recipe.StepTypeParameter:
		return e.executeParameter(ctx, step.Parameter)
	default:
		return fmt.Errorf("step type %s is not a leaf step", step.Type)
	}
}

func (e *StepExecutor) submit(ctx context.Context, operation string, payload any, timeout time.Duration) (*types.Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	cmd, err := e.dispatcher.Submit(ctx, operation, data, "process", command.PriorityStep, timeout)
	if err != nil {
		return nil, err
	}
	if cmd.Status != types.CommandCompleted {
		return cmd, fmt.Errorf("%s failed: %s", operation, cmd.ErrorMessage)
	}
	return cmd, nil
}

// executeValve opens valve n for the configured duration; the arbiter
// closes it again before completing the command.
func (e *StepExecutor) executeValve(ctx context.Context, cfg *recipe.ValveConfig) error {
	payload := command.ControlValvePayload{
		Valve:      cfg.ValveNumber,
		Open:       true,
		DurationMs: cfg.DurationMs,
	}

	// the command itself blocks for the pulse duration
	_, err := e.submit(ctx, command.OpControlValve, payload, cfg.Duration()+e.waitTimeout)
	return err
}

func (e *StepExecutor) executePurge(ctx context.Context, cfg *recipe.PurgeConfig) error {
	// optional carrier gas flow setpoint before the purge starts
	if cfg.GasParameterID != nil && cfg.FlowSetpoint != nil {
		flowPayload := command.WriteParameterPayload{
			ParameterID: *cfg.GasParameterID,
			Value:       *cfg.FlowSetpoint,
		}
		if _, err := e.submit(ctx, command.OpWriteParameter, flowPayload, e.waitTimeout); err != nil {
			return err
		}
		if e.recorder != nil {
			e.recorder.RecordSetValue(*cfg.GasParameterID, *cfg.FlowSetpoint)
		}
	}

	payload := command.ExecutePurgePayload{DurationMs: cfg.DurationMs}
	_, err := e.submit(ctx, command.OpExecutePurge, payload, cfg.Duration()+e.waitTimeout)
	return err
}

// executeParameter writes the target value and, when a tolerance is
// configured, waits for the measured value to settle inside it.
func (e *StepExecutor) executeParameter(ctx context.Context, cfg *recipe.ParameterConfig) error {
	payload := command.WriteParameterPayload{
		ParameterID: cfg.ParameterID,
		Value:       cfg.Target,
	}
	if _, err := e.submit(ctx, command.OpWriteParameter, payload, e.waitTimeout); err != nil {
		return err
	}
	if e.recorder != nil {
		e.recorder.RecordSetValue(cfg.ParameterID, cfg.Target)
	}

	if cfg.Tolerance <= 0 {
		return nil
	}

	deadline := time.Now().Add(cfg.SettleTimeout())
	readPayload := command.ReadParameterPayload{ParameterID: cfg.ParameterID}

	for {
		cmd, err := e.submit(ctx, command.OpReadParameter, readPayload, e.waitTimeout)
		if err != nil {
			return err
		}

		var result command.ReadResult
		if err := json.Unmarshal(cmd.Result, &result); err != nil {
			return fmt.Errorf("invalid read result: %w", err)
		}

		if math.Abs(result.Value-cfg.Target) <= cfg.Tolerance {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("parameter %s did not settle to %g±%g within %s (last value %g)",
				cfg.ParameterID, cfg.Target, cfg.Tolerance, cfg.SettleTimeout(), result.Value)
		}

		select {
		case <-time.After(settlePollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
