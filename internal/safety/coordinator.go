package safety

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/config"
	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence surface the coordinator needs.
type Store interface {
	InsertEmergencySignal(ctx context.Context, signal *types.EmergencySignal) error
	ActiveEmergencySignal(ctx context.Context, target string) (*types.EmergencySignal, error)
	AcknowledgeEmergencySignals(ctx context.Context) (int, error)
	PruneExpiredSignals(ctx context.Context, retention time.Duration) (int, error)
	ForceMachineStatus(ctx context.Context, machineID uuid.UUID, to types.MachineStatus, processID *uuid.UUID, errorMessage string) error
	CompareAndSetMachineStatus(ctx context.Context, machineID uuid.UUID, from, to types.MachineStatus, processID *uuid.UUID, errorMessage string) error
}

// expired signals are kept around for a day before the sweep deletes them
const signalRetention = 24 * time.Hour

// Enqueuer submits hardware commands without touching the PLC link.
type Enqueuer interface {
	Enqueue(ctx context.Context, operation string, payload json.RawMessage, requestingService string, priority int) (uuid.UUID, error)
}

// Notifier pushes emergency events to connected dashboards. Optional.
type Notifier interface {
	BroadcastEmergency(source, reason string)
}

// Coordinator broadcasts and checks emergency stop signals. Signals expire
// via TTL so a stale one cannot lock the machine out forever; leaving the
// error state still requires an explicit acknowledgement.
type Coordinator struct {
	store     Store
	enqueuer  Enqueuer
	machineID uuid.UUID
	ttl       time.Duration
	logger    *zap.Logger
	notifier  Notifier

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// SetNotifier attaches the dashboard push hub.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

func NewCoordinator(store Store, enqueuer Enqueuer, machineID uuid.UUID, cfg config.SafetyConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		enqueuer:  enqueuer,
		machineID: machineID,
		ttl:       cfg.SignalTTL,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start startet den Prune-Sweep fuer abgelaufene Signale
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	c.running = true
	c.wg.Add(1)
	go c.pruneLoop()
	return nil
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Coordinator) pruneLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.pruneExpired()
		}
	}
}

func (c *Coordinator) pruneExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), c.ttl)
	defer cancel()

	pruned, err := c.store.PruneExpiredSignals(ctx, signalRetention)
	if err != nil {
		c.logger.Warn("Failed to prune expired emergency signals", zap.Error(err))
		return
	}
	if pruned > 0 {
		c.logger.Info("Pruned expired emergency signals", zap.Int("count", pruned))
	}
}

// Trigger broadcasts an emergency signal, forces the machine to the error
// state and enqueues the close-all-valves command at emergency priority.
func (c *Coordinator) Trigger(ctx context.Context, signalType, source, reason string) error {
	now := time.Now()
	signal := &types.EmergencySignal{
		ID:        uuid.New(),
		Type:      signalType,
		Source:    source,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	if err := c.store.InsertEmergencySignal(ctx, signal); err != nil {
		return err
	}

	c.logger.Error("Emergency signal raised",
		zap.String("type", signalType),
		zap.String("source", source),
		zap.String("reason", reason),
		zap.Time("expires_at", signal.ExpiresAt))

	if err := c.store.ForceMachineStatus(ctx, c.machineID, types.MachineError, nil, reason); err != nil {
		c.logger.Error("Failed to force machine into error state", zap.Error(err))
	}

	// the only command an emergency may add to the queue
	if _, err := c.enqueuer.Enqueue(ctx, command.OpCloseAllValves, nil, "safety", command.PriorityEmergency); err != nil {
		c.logger.Error("Failed to enqueue close-all-valves", zap.Error(err))
		return err
	}

	if c.notifier != nil {
		c.notifier.BroadcastEmergency(source, reason)
	}

	return nil
}

// Active returns the live signal, or nil when none is in effect.
func (c *Coordinator) Active(ctx context.Context) (*types.EmergencySignal, error) {
	signal, err := c.store.ActiveEmergencySignal(ctx, "machine")
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return signal, nil
}

// CheckClear is consulted before every command claim and step transition.
// A live signal surfaces as a typed EmergencyActive error.
func (c *Coordinator) CheckClear(ctx context.Context) error {
	signal, err := c.Active(ctx)
	if err != nil {
		return err
	}
	if signal != nil {
		return &types.EmergencyActive{Signal: signal.Type, Until: signal.ExpiresAt}
	}
	return nil
}

// Acknowledge clears all live signals and returns the machine from error
// to idle. Without the explicit acknowledgement the machine stays in error
// even after the signal TTL expires.
func (c *Coordinator) Acknowledge(ctx context.Context) error {
	cleared, err := c.store.AcknowledgeEmergencySignals(ctx)
	if err != nil {
		return err
	}

	if err := c.store.CompareAndSetMachineStatus(ctx, c.machineID, types.MachineError, types.MachineIdle, nil, ""); err != nil {
		return err
	}

	c.logger.Info("Emergency acknowledged", zap.Int("signals_cleared", cleared))
	return nil
}
