package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
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

type batch struct {
	samples   []types.ParameterSample
	processID *uuid.UUID
	setValues map[uuid.UUID]float64
}

type memSamplerStore struct {
	mu       sync.Mutex
	machine  types.MachineState
	batches  []batch
	writeErr error
}

func (m *memSamplerStore) GetMachineState(_ context.Context, machineID uuid.UUID) (*types.MachineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := m.machine
	return &clone, nil
}

func (m *memSamplerStore) WriteSampleBatch(_ context.Context, samples []types.ParameterSample, processID *uuid.UUID, setValues map[uuid.UUID]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.batches = append(m.batches, batch{samples: samples, processID: processID, setValues: setValues})
	return nil
}

func (m *memSamplerStore) lastBatch(t *testing.T) batch {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.batches)
	return m.batches[len(m.batches)-1]
}

func (m *memSamplerStore) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// fakeSubmitter answers bulk_read commands from a canned result.
type fakeSubmitter struct {
	mu       sync.Mutex
	readings map[uuid.UUID]command.ReadingResult
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, operation string, _ json.RawMessage, _ string, _ int, _ time.Duration) (*types.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	result, merr := json.Marshal(command.BulkReadResult{Readings: f.readings})
	if merr != nil {
		return nil, merr
	}
	return &types.Command{
		ID:        uuid.New(),
		Operation: operation,
		Status:    types.CommandCompleted,
		Result:    result,
	}, nil
}

func testSampler(store *memSamplerStore, submitter *fakeSubmitter, machineID uuid.UUID) *Sampler {
	cfg := config.SamplerConfig{TickInterval: time.Second, ReadPriority: command.PrioritySampler}
	return NewSampler(store, submitter, machineID, cfg, zap.NewNop())
}

func TestTickWritesIdleHistory(t *testing.T) {
	machineID := uuid.New()
	paramID := uuid.New()

	store := &memSamplerStore{machine: types.MachineState{MachineID: machineID, Status: types.MachineIdle}}
	submitter := &fakeSubmitter{readings: map[uuid.UUID]command.ReadingResult{
		paramID: {Value: 42.0, Quality: string(types.QualityGood)},
	}}
	s := testSampler(store, submitter, machineID)

	s.tick()

	b := store.lastBatch(t)
	require.Len(t, b.samples, 1)
	assert.Nil(t, b.processID)
	assert.Equal(t, paramID, b.samples[0].ParameterID)
	assert.Equal(t, 42.0, b.samples[0].Value)

	value, ok := s.CurrentValue(paramID)
	require.True(t, ok)
	assert.Equal(t, 42.0, value)
}

func TestTickScopesSamplesToProcess(t *testing.T) {
	machineID := uuid.New()
	processID := uuid.New()
	paramID := uuid.New()

	store := &memSamplerStore{machine: types.MachineState{
		MachineID:        machineID,
		Status:           types.MachineProcessing,
		CurrentProcessID: &processID,
	}}
	submitter := &fakeSubmitter{readings: map[uuid.UUID]command.ReadingResult{
		paramID: {Value: 7.5, Quality: string(types.QualityGood)},
	}}
	s := testSampler(store, submitter, machineID)

	s.tick()

	b := store.lastBatch(t)
	require.NotNil(t, b.processID)
	assert.Equal(t, processID, *b.processID)
}

func TestTickKeepsBadSamplesInBatch(t *testing.T) {
	machineID := uuid.New()
	good := uuid.New()
	bad := uuid.New()

	store := &memSamplerStore{machine: types.MachineState{MachineID: machineID, Status: types.MachineIdle}}
	submitter := &fakeSubmitter{readings: map[uuid.UUID]command.ReadingResult{
		good: {Value: 1.0, Quality: string(types.QualityGood)},
		bad:  {Quality: string(types.QualityBad)},
	}}
	s := testSampler(store, submitter, machineID)

	s.tick()

	b := store.lastBatch(t)
	assert.Len(t, b.samples, 2)

	// bad samples are persisted but never enter the live cache
	_, ok := s.CurrentValue(bad)
	assert.False(t, ok)

	assert.Equal(t, uint64(1), s.HealthSnapshot().BadSamples)
}

func TestTickSurvivesReadFailure(t *testing.T) {
	machineID := uuid.New()

	store := &memSamplerStore{machine: types.MachineState{MachineID: machineID, Status: types.MachineIdle}}
	submitter := &fakeSubmitter{err: errors.New("queue unavailable")}
	s := testSampler(store, submitter, machineID)

	s.tick()
	s.tick()

	assert.Equal(t, 0, store.batchCount())
	health := s.HealthSnapshot()
	assert.Equal(t, uint64(2), health.Ticks)
	assert.Equal(t, uint64(2), health.ReadFailures)
}

func TestTickRetriesSetValuesAfterWriteFailure(t *testing.T) {
	machineID := uuid.New()
	paramID := uuid.New()

	store := &memSamplerStore{
		machine:  types.MachineState{MachineID: machineID, Status: types.MachineIdle},
		writeErr: errors.New("db gone"),
	}
	submitter := &fakeSubmitter{readings: map[uuid.UUID]command.ReadingResult{
		paramID: {Value: 5.0, Quality: string(types.QualityGood)},
	}}
	s := testSampler(store, submitter, machineID)

	s.RecordSetValue(paramID, 123.0)

	// first tick fails to commit, the setpoint must not be lost
	s.tick()
	assert.Equal(t, uint64(1), s.HealthSnapshot().WriteFailures)

	store.mu.Lock()
	store.writeErr = nil
	store.mu.Unlock()

	s.tick()

	b := store.lastBatch(t)
	require.NotNil(t, b.setValues)
	assert.Equal(t, 123.0, b.setValues[paramID])
}

func TestSetValuesDrainOnlyOnce(t *testing.T) {
	machineID := uuid.New()
	paramID := uuid.New()

	store := &memSamplerStore{machine: types.MachineState{MachineID: machineID, Status: types.MachineIdle}}
	submitter := &fakeSubmitter{readings: map[uuid.UUID]command.ReadingResult{
		paramID: {Value: 1.0, Quality: string(types.QualityGood)},
	}}
	s := testSampler(store, submitter, machineID)

	s.RecordSetValue(paramID, 50.0)

	s.tick()
	s.tick()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.batches, 2)
	assert.Equal(t, 50.0, store.batches[0].setValues[paramID])
	assert.Nil(t, store.batches[1].setValues)
}
