package safety

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/config"
	"github.com/KevinKickass/OpenALDCore/internal/types"
)

type memSafetyStore struct {
	signals []*types.EmergencySignal
	machine types.MachineState
}

func (m *memSafetyStore) InsertEmergencySignal(_ context.Context, signal *types.EmergencySignal) error {
	m.signals = append(m.signals, signal)
	return nil
}

func (m *memSafetyStore) ActiveEmergencySignal(_ context.Context, _ string) (*types.EmergencySignal, error) {
	now := time.Now()
	for _, s := range m.signals {
		if s.ClearedAt == nil && s.ExpiresAt.After(now) {
			return s, nil
		}
	}
	return nil, types.ErrNotFound
}

func (m *memSafetyStore) AcknowledgeEmergencySignals(_ context.Context) (int, error) {
	now := time.Now()
	cleared := 0
	for _, s := range m.signals {
		if s.ClearedAt == nil {
			s.ClearedAt = &now
			cleared++
		}
	}
	return cleared, nil
}

func (m *memSafetyStore) PruneExpiredSignals(_ context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	kept := m.signals[:0]
	pruned := 0
	for _, s := range m.signals {
		if s.ExpiresAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	m.signals = kept
	return pruned, nil
}

func (m *memSafetyStore) ForceMachineStatus(_ context.Context, machineID uuid.UUID, to types.MachineStatus, processID *uuid.UUID, errorMessage string) error {
	m.machine = types.MachineState{MachineID: machineID, Status: to, CurrentProcessID: processID, ErrorMessage: errorMessage}
	return nil
}

func (m *memSafetyStore) CompareAndSetMachineStatus(_ context.Context, machineID uuid.UUID, from, to types.MachineStatus, processID *uuid.UUID, errorMessage string) error {
	if m.machine.Status != from {
		return types.ErrClaimConflict
	}
	m.machine = types.MachineState{MachineID: machineID, Status: to, CurrentProcessID: processID, ErrorMessage: errorMessage}
	return nil
}

type memEnqueuer struct {
	operations []string
	priorities []int
}

func (m *memEnqueuer) Enqueue(_ context.Context, operation string, _ json.RawMessage, _ string, priority int) (uuid.UUID, error) {
	m.operations = append(m.operations, operation)
	m.priorities = append(m.priorities, priority)
	return uuid.New(), nil
}

func newTestCoordinator(ttl time.Duration) (*Coordinator, *memSafetyStore, *memEnqueuer) {
	store := &memSafetyStore{machine: types.MachineState{Status: types.MachineIdle}}
	enqueuer := &memEnqueuer{}
	c := NewCoordinator(store, enqueuer, uuid.New(), config.SafetyConfig{SignalTTL: ttl}, zap.NewNop())
	return c, store, enqueuer
}

func TestTriggerForcesErrorAndClosesValves(t *testing.T) {
	c, store, enqueuer := newTestCoordinator(time.Minute)

	require.NoError(t, c.Trigger(context.Background(), "emergency_stop", "operator", "red button"))

	assert.Equal(t, types.MachineError, store.machine.Status)
	assert.Equal(t, []string{command.OpCloseAllValves}, enqueuer.operations)
	assert.Equal(t, []int{command.PriorityEmergency}, enqueuer.priorities)
}

func TestCheckClearReportsActiveSignal(t *testing.T) {
	c, _, _ := newTestCoordinator(time.Minute)

	require.NoError(t, c.CheckClear(context.Background()))

	require.NoError(t, c.Trigger(context.Background(), "emergency_stop", "operator", ""))

	err := c.CheckClear(context.Background())
	var active *types.EmergencyActive
	require.ErrorAs(t, err, &active)
	assert.Equal(t, "emergency_stop", active.Signal)
}

func TestSignalExpiresViaTTL(t *testing.T) {
	c, store, _ := newTestCoordinator(20 * time.Millisecond)

	require.NoError(t, c.Trigger(context.Background(), "emergency_stop", "watchdog", ""))
	require.Error(t, c.CheckClear(context.Background()))

	time.Sleep(30 * time.Millisecond)

	// signal gone, aber die Maschine bleibt in error bis zum Acknowledge
	assert.NoError(t, c.CheckClear(context.Background()))
	assert.Equal(t, types.MachineError, store.machine.Status)
}

func TestAcknowledgeClearsSignalsAndResetsMachine(t *testing.T) {
	c, store, _ := newTestCoordinator(time.Minute)

	require.NoError(t, c.Trigger(context.Background(), "emergency_stop", "operator", ""))
	require.NoError(t, c.Acknowledge(context.Background()))

	assert.Equal(t, types.MachineIdle, store.machine.Status)
	assert.NoError(t, c.CheckClear(context.Background()))
}

func TestAcknowledgeFailsOutsideErrorState(t *testing.T) {
	c, store, _ := newTestCoordinator(time.Minute)
	store.machine.Status = types.MachineProcessing

	assert.Error(t, c.Acknowledge(context.Background()))
}

func TestPruneDropsOnlyLongExpiredSignals(t *testing.T) {
	c, store, _ := newTestCoordinator(time.Minute)

	old := &types.EmergencySignal{
		ID:        uuid.New(),
		Type:      "emergency_stop",
		ExpiresAt: time.Now().Add(-signalRetention - time.Hour),
	}
	recent := &types.EmergencySignal{
		ID:        uuid.New(),
		Type:      "emergency_stop",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	store.signals = []*types.EmergencySignal{old, recent}

	c.pruneExpired()

	// recently expired signals stay for the audit trail
	require.Len(t, store.signals, 1)
	assert.Equal(t, recent.ID, store.signals[0].ID)
}
