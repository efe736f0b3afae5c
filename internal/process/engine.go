package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/recipe"
	"github.com/KevinKickass/OpenALDCore/internal/storage"
	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence surface of the state machine.
type Store interface {
	LoadRecipe(ctx context.Context, recipeID uuid.UUID) (*storage.Recipe, error)
	CreateExecution(ctx context.Context, exec *types.ProcessExecution, totalSteps int) error
	GetExecution(ctx context.Context, id uuid.UUID) (*types.ProcessExecution, error)
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status types.ExecutionStatus, errorMessage string) error
	GetExecutionState(ctx context.Context, executionID uuid.UUID) (*types.ExecutionState, error)
	AdvanceExecutionState(ctx context.Context, executionID uuid.UUID, fromIndex, toIndex int, subState json.RawMessage) error
	GetMachineState(ctx context.Context, machineID uuid.UUID) (*types.MachineState, error)
	CompareAndSetMachineStatus(ctx context.Context, machineID uuid.UUID, from, to types.MachineStatus, processID *uuid.UUID, errorMessage string) error
	ForceMachineStatus(ctx context.Context, machineID uuid.UUID, to types.MachineStatus, processID *uuid.UUID, errorMessage string) error
}

// Safety gates every step transition on emergency signals.
type Safety interface {
	CheckClear(ctx context.Context) error
}

// Enqueuer submits fire-and-forget commands (safe-state valve close).
type Enqueuer interface {
	Enqueue(ctx context.Context, operation string, payload json.RawMessage, requestingService string, priority int) (uuid.UUID, error)
}

// Notifier pushes execution progress to the dashboard. Optional.
type Notifier interface {
	BroadcastMachineState(state, previous string)
	BroadcastStepEvent(executionID uuid.UUID, stepIndex int, stepName, status, message string)
	BroadcastProcessEvent(executionID uuid.UUID, status, message string)
}

// frameState is the serialized loop position inside ExecutionState.SubState.
// The explicit stack makes resumption after a restart tractable; no
// language-level recursion holds execution position.
type frameState struct {
	Cursor    int `json:"cursor"`
	Remaining int `json:"remaining"`
}

type subState struct {
	Frames []frameState `json:"frames,omitempty"`
}

// frame is one live level of the step sequence.
type frame struct {
	steps     []recipe.Step
	cursor    int
	remaining int
}

// Engine drives the recipe state machine:
// IDLE -> STARTING -> PROCESSING -> STOPPING -> IDLE, ERROR from anywhere.
type Engine struct {
	store     Store
	executor  *StepExecutor
	safety    Safety
	enqueuer  Enqueuer
	notifier  Notifier
	machineID uuid.UUID
	logger    *zap.Logger

	runMu         sync.Mutex
	currentExecID uuid.UUID
	stopRequested bool
	done          chan struct{}
}

func NewEngine(store Store, executor *StepExecutor, safety Safety, enqueuer Enqueuer, machineID uuid.UUID, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		executor:  executor,
		safety:    safety,
		enqueuer:  enqueuer,
		machineID: machineID,
		logger:    logger,
	}
}

// SetNotifier attaches the dashboard push hub.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// StartRecipe begins a new ProcessExecution. The machine must be idle.
func (e *Engine) StartRecipe(ctx context.Context, recipeID uuid.UUID) (uuid.UUID, error) {
	if err := e.safety.CheckClear(ctx); err != nil {
		return uuid.Nil, err
	}

	stored, err := e.store.LoadRecipe(ctx, recipeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load recipe: %w", err)
	}

	r, err := recipe.Parse(stored.Definition)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse recipe definition: %w", err)
	}
	if err := r.ResolveAll(e.logger); err != nil {
		return uuid.Nil, err
	}

	// IDLE -> STARTING claims the machine before any record exists
	if err := e.store.CompareAndSetMachineStatus(ctx, e.machineID, types.MachineIdle, types.MachineStarting, nil, ""); err != nil {
		return uuid.Nil, fmt.Errorf("machine not idle: %w", err)
	}

	exec := &types.ProcessExecution{
		ID:        uuid.New(),
		RecipeID:  recipeID,
		MachineID: e.machineID,
		Status:    types.ExecutionRunning,
	}

	if err := e.store.CreateExecution(ctx, exec, len(r.Steps)); err != nil {
		e.store.CompareAndSetMachineStatus(ctx, e.machineID, types.MachineStarting, types.MachineIdle, nil, "")
		return uuid.Nil, err
	}

	if err := e.store.CompareAndSetMachineStatus(ctx, e.machineID, types.MachineStarting, types.MachineProcessing, &exec.ID, ""); err != nil {
		e.store.UpdateExecutionStatus(ctx, exec.ID, types.ExecutionError, "machine state conflict during start")
		return uuid.Nil, err
	}

	e.runMu.Lock()
	e.currentExecID = exec.ID
	e.stopRequested = false
	e.done = make(chan struct{})
	e.runMu.Unlock()

	e.broadcastState(string(types.MachineProcessing), string(types.MachineIdle))
	e.broadcastProcess(exec.ID, "started", r.Name)
	e.logger.Info("Recipe started",
		zap.String("recipe", r.Name),
		zap.String("execution_id", exec.ID.String()),
		zap.Int("steps", len(r.Steps)))

	go e.runExecution(exec, r)

	return exec.ID, nil
}

// StopRecipe requests a graceful stop. The step currently executing runs
// to completion; only pending and future steps are cancelled.
func (e *Engine) StopRecipe(ctx context.Context) error {
	e.runMu.Lock()
	execID := e.currentExecID
	e.runMu.Unlock()

	if execID == uuid.Nil {
		return fmt.Errorf("no recipe running")
	}

	if err := e.store.CompareAndSetMachineStatus(ctx, e.machineID, types.MachineProcessing, types.MachineStopping, &execID, ""); err != nil {
		return fmt.Errorf("machine not processing: %w", err)
	}

	e.runMu.Lock()
	e.stopRequested = true
	e.runMu.Unlock()

	e.broadcastState(string(types.MachineStopping), string(types.MachineProcessing))
	e.logger.Info("Recipe stop requested", zap.String("execution_id", execID.String()))
	return nil
}

// Recover picks up an execution orphaned by a crash. Called once at boot
// before the API comes up. A machine found processing resumes its execution
// from the persisted cursor; one found stopping finishes the stop; one stuck
// in starting never ran a step and simply returns to idle.
func (e *Engine) Recover(ctx context.Context) error {
	machine, err := e.store.GetMachineState(ctx, e.machineID)
	if err != nil {
		return err
	}

	switch machine.Status {
	case types.MachineProcessing, types.MachineStopping:
		if machine.CurrentProcessID == nil {
			return e.store.ForceMachineStatus(ctx, e.machineID, types.MachineError, nil,
				"machine in process without execution after restart")
		}
		e.resumeExecution(ctx, *machine.CurrentProcessID, machine.Status == types.MachineStopping)
		return nil
	case types.MachineStarting:
		// crash before the first step, no hardware was touched
		return e.store.CompareAndSetMachineStatus(ctx, e.machineID, types.MachineStarting, types.MachineIdle, nil, "")
	default:
		return nil
	}
}

// resumeExecution restarts the run goroutine for a persisted execution.
// Anything that prevents the resume forces the safe state instead.
func (e *Engine) resumeExecution(ctx context.Context, execID uuid.UUID, stopping bool) {
	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		e.failExecution(ctx, execID, fmt.Sprintf("orphaned execution not loadable: %v", err))
		return
	}

	stored, err := e.store.LoadRecipe(ctx, exec.RecipeID)
	if err != nil {
		e.failExecution(ctx, execID, fmt.Sprintf("recipe gone after restart: %v", err))
		return
	}
	r, err := recipe.Parse(stored.Definition)
	if err == nil {
		err = r.ResolveAll(e.logger)
	}
	if err != nil {
		e.failExecution(ctx, execID, fmt.Sprintf("recipe unusable after restart: %v", err))
		return
	}

	e.runMu.Lock()
	e.currentExecID = execID
	e.stopRequested = stopping
	e.done = make(chan struct{})
	e.runMu.Unlock()

	e.logger.Info("Resuming execution after restart",
		zap.String("execution_id", execID.String()),
		zap.Bool("stopping", stopping))

	go e.runExecution(exec, r)
}

// Wait blocks until the current execution finished. Used by shutdown.
func (e *Engine) Wait() {
	e.runMu.Lock()
	done := e.done
	e.runMu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) stopWasRequested() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.stopRequested
}

func (e *Engine) runExecution(exec *types.ProcessExecution, r *recipe.Recipe) {
	ctx := context.Background()

	defer func() {
		e.runMu.Lock()
		e.currentExecID = uuid.Nil
		close(e.done)
		e.runMu.Unlock()
	}()

	// resume from the persisted cursor; a fresh execution starts at 0
	state, err := e.store.GetExecutionState(ctx, exec.ID)
	if err != nil {
		e.failExecution(ctx, exec.ID, fmt.Sprintf("failed to load execution state: %v", err))
		return
	}

	stack := []frame{{steps: r.Steps, cursor: state.CurrentStepIndex, remaining: 1}}
	lastPersisted := state.CurrentStepIndex

	// restore loop frames persisted before a restart
	if len(state.SubState) > 0 {
		var sub subState
		if err := json.Unmarshal(state.SubState, &sub); err == nil {
			for _, fs := range sub.Frames {
				top := &stack[len(stack)-1]
				if top.cursor >= len(top.steps) || top.steps[top.cursor].Type != recipe.StepTypeLoop {
					break
				}
				stack = append(stack, frame{
					steps:     top.steps[top.cursor].Loop.Children,
					cursor:    fs.Cursor,
					remaining: fs.Remaining,
				})
			}
		}
	}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		// sequence exhausted: next loop iteration or pop
		if top.cursor >= len(top.steps) {
			top.remaining--
			if top.remaining > 0 {
				// restore the child cursor for the next pass
				top.cursor = 0
				continue
			}
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				stack[len(stack)-1].cursor++
				if lastPersisted, err = e.persistCursor(ctx, exec.ID, lastPersisted, stack); err != nil {
					e.failExecution(ctx, exec.ID, err.Error())
					return
				}
			}
			continue
		}

		if e.stopWasRequested() {
			e.finishStopped(ctx, exec.ID)
			return
		}

		// an active emergency halts advancement before the next command
		if err := e.safety.CheckClear(ctx); err != nil {
			var active *types.EmergencyActive
			if errors.As(err, &active) {
				e.logger.Error("Execution aborted by emergency signal",
					zap.String("execution_id", exec.ID.String()),
					zap.String("signal", active.Signal))
				e.store.UpdateExecutionStatus(ctx, exec.ID, types.ExecutionError,
					fmt.Sprintf("emergency signal %s", active.Signal))
				// the safety coordinator already forced the machine to
				// error and queued the valve close
				return
			}
			e.failExecution(ctx, exec.ID, fmt.Sprintf("safety check failed: %v", err))
			return
		}

		step := top.steps[top.cursor]

		// loops push a frame instead of recursing
		if step.Type == recipe.StepTypeLoop {
			stack = append(stack, frame{
				steps:     step.Loop.Children,
				cursor:    0,
				remaining: step.Loop.IterationCount,
			})
			if lastPersisted, err = e.persistCursor(ctx, exec.ID, lastPersisted, stack); err != nil {
				e.failExecution(ctx, exec.ID, err.Error())
				return
			}
			continue
		}

		stepIndex := stack[0].cursor
		e.broadcastStep(exec.ID, stepIndex, step.Name, "started", "")

		if err := e.executor.Execute(ctx, &step); err != nil {
			e.broadcastStep(exec.ID, stepIndex, step.Name, "failed", err.Error())
			e.failExecution(ctx, exec.ID, fmt.Sprintf("step %d (%s) failed: %v", stepIndex, step.Name, err))
			return
		}

		e.broadcastStep(exec.ID, stepIndex, step.Name, "completed", "")

		top.cursor++
		if lastPersisted, err = e.persistCursor(ctx, exec.ID, lastPersisted, stack); err != nil {
			e.failExecution(ctx, exec.ID, err.Error())
			return
		}
	}

	// all steps done
	e.store.UpdateExecutionStatus(ctx, exec.ID, types.ExecutionCompleted, "")
	if err := e.store.CompareAndSetMachineStatus(ctx, e.machineID, types.MachineProcessing, types.MachineIdle, nil, ""); err != nil {
		e.logger.Warn("Machine state changed during completion", zap.Error(err))
	}
	e.broadcastState(string(types.MachineIdle), string(types.MachineProcessing))
	e.broadcastProcess(exec.ID, "completed", "")
	e.logger.Info("Recipe completed", zap.String("execution_id", exec.ID.String()))
}

// persistCursor advances ExecutionState atomically: top-level index plus
// the serialized loop frames. The conditional update keeps the cursor
// monotonic even if a stale writer raced us.
func (e *Engine) persistCursor(ctx context.Context, execID uuid.UUID, lastPersisted int, stack []frame) (int, error) {
	top := stack[0].cursor

	var sub subState
	for _, f := range stack[1:] {
		sub.Frames = append(sub.Frames, frameState{Cursor: f.cursor, Remaining: f.remaining})
	}
	subJSON, err := json.Marshal(sub)
	if err != nil {
		return lastPersisted, err
	}

	if err := e.store.AdvanceExecutionState(ctx, execID, lastPersisted, top, subJSON); err != nil {
		return lastPersisted, fmt.Errorf("failed to advance execution state: %w", err)
	}
	return top, nil
}

// finishStopped completes a graceful stop: close valves, mark the
// execution cancelled, return the machine to idle.
func (e *Engine) finishStopped(ctx context.Context, execID uuid.UUID) {
	if _, err := e.enqueuer.Enqueue(ctx, command.OpCloseAllValves, nil, "process", command.PriorityStep); err != nil {
		e.logger.Error("Failed to enqueue valve close on stop", zap.Error(err))
	}

	e.store.UpdateExecutionStatus(ctx, execID, types.ExecutionCancelled, "stopped by operator")
	if err := e.store.CompareAndSetMachineStatus(ctx, e.machineID, types.MachineStopping, types.MachineIdle, nil, ""); err != nil {
		e.logger.Warn("Machine state changed during stop", zap.Error(err))
	}

	e.broadcastState(string(types.MachineIdle), string(types.MachineStopping))
	e.broadcastProcess(execID, "cancelled", "stopped by operator")
	e.logger.Info("Recipe stopped", zap.String("execution_id", execID.String()))
}

// failExecution records the terminal error and forces the hardware to a
// safe state before the machine lands in ERROR.
func (e *Engine) failExecution(ctx context.Context, execID uuid.UUID, reason string) {
	e.logger.Error("Execution failed",
		zap.String("execution_id", execID.String()),
		zap.String("reason", reason))

	if _, err := e.enqueuer.Enqueue(ctx, command.OpCloseAllValves, nil, "process", command.PriorityEmergency); err != nil {
		e.logger.Error("Failed to enqueue valve close on failure", zap.Error(err))
	}

	e.store.UpdateExecutionStatus(ctx, execID, types.ExecutionError, reason)
	if err := e.store.ForceMachineStatus(ctx, e.machineID, types.MachineError, nil, reason); err != nil {
		e.logger.Error("Failed to set machine error state", zap.Error(err))
	}

	e.broadcastState(string(types.MachineError), string(types.MachineProcessing))
	e.broadcastProcess(execID, "failed", reason)
}

// Status returns the current MachineState together with the cursor of the
// active execution, if any. Read-only; the dashboard polls this.
func (e *Engine) Status(ctx context.Context) (*types.MachineState, *types.ExecutionState, error) {
	machine, err := e.store.GetMachineState(ctx, e.machineID)
	if err != nil {
		return nil, nil, err
	}

	if machine.CurrentProcessID == nil {
		return machine, nil, nil
	}

	state, err := e.store.GetExecutionState(ctx, *machine.CurrentProcessID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return machine, nil, nil
		}
		return nil, nil, err
	}

	return machine, state, nil
}

func (e *Engine) broadcastState(state, previous string) {
	if e.notifier != nil {
		e.notifier.BroadcastMachineState(state, previous)
	}
}

func (e *Engine) broadcastStep(execID uuid.UUID, index int, name, status, message string) {
	if e.notifier != nil {
		e.notifier.BroadcastStepEvent(execID, index, name, status, message)
	}
}

func (e *Engine) broadcastProcess(execID uuid.UUID, status, message string) {
	if e.notifier != nil {
		e.notifier.BroadcastProcessEvent(execID, status, message)
	}
}

// ExecutionStatusByID loads one execution for the REST surface.
func (e *Engine) ExecutionStatusByID(ctx context.Context, id uuid.UUID) (*types.ProcessExecution, *types.ExecutionState, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	state, err := e.store.GetExecutionState(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return exec, state, nil
}
