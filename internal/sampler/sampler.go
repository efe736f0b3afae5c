package sampler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/config"
	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Store persists one tick as a single atomic unit.
type Store interface {
	GetMachineState(ctx context.Context, machineID uuid.UUID) (*types.MachineState, error)
	WriteSampleBatch(ctx context.Context, samples []types.ParameterSample, processID *uuid.UUID, setValues map[uuid.UUID]float64) error
}

// Submitter queues the bulk read through the arbiter so sampling never
// overlaps a claimed command on the PLC link.
type Submitter interface {
	Submit(ctx context.Context, operation string, payload json.RawMessage, requestingService string, priority int, timeout time.Duration) (*types.Command, error)
}

// Health are the sampler's degraded-mode counters. The loop never dies on
// storage or link trouble; it counts and carries on.
type Health struct {
	Ticks         uint64 `json:"ticks"`
	ReadFailures  uint64 `json:"read_failures"`
	WriteFailures uint64 `json:"write_failures"`
	BadSamples    uint64 `json:"bad_samples"`
}

// Sampler is the continuous dual-mode parameter logger. Once per tick it
// bulk-reads every active parameter and commits the batch to exactly one
// destination set, chosen from a single MachineState snapshot taken at
// tick start.
type Sampler struct {
	store      Store
	dispatcher Submitter
	machineID  uuid.UUID
	cfg        config.SamplerConfig
	logger     *zap.Logger

	// current values for cheap dashboard reads, no storage roundtrip
	currentValues *xsync.MapOf[uuid.UUID, float64]

	// confirmed setpoint writes since the last tick; drained into the
	// same transaction as the tick's samples
	pendingSetValues *xsync.MapOf[uuid.UUID, float64]

	healthMu sync.Mutex
	health   Health

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewSampler(store Store, dispatcher Submitter, machineID uuid.UUID, cfg config.SamplerConfig, logger *zap.Logger) *Sampler {
	return &Sampler{
		store:            store,
		dispatcher:       dispatcher,
		machineID:        machineID,
		cfg:              cfg,
		logger:           logger,
		currentValues:    xsync.NewMapOf[uuid.UUID, float64](),
		pendingSetValues: xsync.NewMapOf[uuid.UUID, float64](),
		stopChan:         make(chan struct{}),
	}
}

// Start startet die Tick-Schleife
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.running = true
	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("Parameter sampler started",
		zap.Duration("tick_interval", s.cfg.TickInterval))
	return nil
}

// Stop beendet die Schleife nach dem laufenden Tick
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Parameter sampler stopped")
}

func (s *Sampler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one sampling cycle. The mode decision and the batch write
// form one atomic unit: the MachineState snapshot taken here picks the
// destination, and the store commits everything in one transaction. A
// machine transition mid-tick cannot split or duplicate the batch.
func (s *Sampler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickInterval)
	defer cancel()

	s.healthMu.Lock()
	s.health.Ticks++
	s.healthMu.Unlock()

	// single atomic mode read at tick start
	machine, err := s.store.GetMachineState(ctx, s.machineID)
	if err != nil {
		s.countWriteFailure()
		s.logger.Warn("Sampler could not read machine state, skipping tick", zap.Error(err))
		return
	}

	samples, err := s.bulkRead(ctx)
	if err != nil {
		s.countReadFailure()
		s.logger.Warn("Sampler bulk read failed, skipping tick", zap.Error(err))
		return
	}
	if len(samples) == 0 {
		return
	}

	bad := 0
	for _, sample := range samples {
		if sample.Quality == types.QualityBad {
			bad++
			continue
		}
		s.currentValues.Store(sample.ParameterID, sample.Value)
	}
	if bad > 0 {
		s.healthMu.Lock()
		s.health.BadSamples += uint64(bad)
		s.healthMu.Unlock()
	}

	var processID *uuid.UUID
	if machine.InProcess() {
		processID = machine.CurrentProcessID
	}

	setValues := s.drainSetValues()

	if err := s.store.WriteSampleBatch(ctx, samples, processID, setValues); err != nil {
		// put the setpoints back so the retry tick still records them
		for id, value := range setValues {
			s.pendingSetValues.Store(id, value)
		}
		// tick-scoped rollback, the next tick retries
		s.countWriteFailure()
		s.logger.Warn("Sample batch write failed, tick rolled back", zap.Error(err))
		return
	}
}

// bulkRead queues one bulk_read command at the reserved sampler priority
// and converts the result to samples. Partially failed registers come
// back flagged quality bad instead of being dropped.
func (s *Sampler) bulkRead(ctx context.Context) ([]types.ParameterSample, error) {
	cmd, err := s.dispatcher.Submit(ctx, command.OpBulkRead, nil, "sampler",
		s.cfg.ReadPriority, s.cfg.TickInterval)
	if err != nil {
		return nil, err
	}
	if cmd.Status != types.CommandCompleted {
		return nil, &types.LinkError{Op: "bulk_read", Err: errString(cmd.ErrorMessage)}
	}

	var result command.BulkReadResult
	if err := json.Unmarshal(cmd.Result, &result); err != nil {
		return nil, err
	}

	now := time.Now()
	samples := make([]types.ParameterSample, 0, len(result.Readings))
	for id, reading := range result.Readings {
		samples = append(samples, types.ParameterSample{
			ParameterID: id,
			Value:       reading.Value,
			Timestamp:   now,
			Quality:     types.Quality(reading.Quality),
		})
	}

	return samples, nil
}

func (s *Sampler) countReadFailure() {
	s.healthMu.Lock()
	s.health.ReadFailures++
	s.healthMu.Unlock()
}

func (s *Sampler) countWriteFailure() {
	s.healthMu.Lock()
	s.health.WriteFailures++
	s.healthMu.Unlock()
}

// RecordSetValue notes a confirmed setpoint write. The next tick commits
// it together with the sampled values in one transaction.
func (s *Sampler) RecordSetValue(id uuid.UUID, value float64) {
	s.pendingSetValues.Store(id, value)
}

func (s *Sampler) drainSetValues() map[uuid.UUID]float64 {
	if s.pendingSetValues.Size() == 0 {
		return nil
	}
	values := make(map[uuid.UUID]float64)
	s.pendingSetValues.Range(func(id uuid.UUID, value float64) bool {
		values[id] = value
		s.pendingSetValues.Delete(id)
		return true
	})
	return values
}

// HealthSnapshot returns a copy of the degraded-mode counters.
func (s *Sampler) HealthSnapshot() Health {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.health
}

// CurrentValue returns the cached last good value of a parameter.
func (s *Sampler) CurrentValue(id uuid.UUID) (float64, bool) {
	return s.currentValues.Load(id)
}

type errString string

func (e errString) Error() string { return string(e) }
