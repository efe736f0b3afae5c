package recipe

import (
	"encoding/json"
	"time"

	"github.com/KevinKickass/OpenALDCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type StepType string

const (
	StepTypeValve     StepType = "valve"
	StepTypePurge     StepType = "purge"
	StepTypeParameter StepType = "parameter"
	StepTypeLoop      StepType = "loop"
)

// Recipe is an ordered, possibly nested sequence of deposition steps.
type Recipe struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Steps       []Step `json:"steps"`
}

// Step carries exactly one of the typed configs depending on Type.
// Parameters is the legacy untyped blob older recipes still use; it is
// decoded into the typed config once, at resolution time.
type Step struct {
	Name string   `json:"name,omitempty"`
	Type StepType `json:"type"`

	Valve     *ValveConfig     `json:"valve,omitempty"`
	Purge     *PurgeConfig     `json:"purge,omitempty"`
	Parameter *ParameterConfig `json:"parameter,omitempty"`
	Loop      *LoopConfig      `json:"loop,omitempty"`

	// Legacy blob, superseded by the typed configs above
	Parameters map[string]any `json:"parameters,omitempty"`
}

type ValveConfig struct {
	ValveNumber int   `json:"valve_number"`
	DurationMs  int64 `json:"duration_ms"`
}

func (c *ValveConfig) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

type PurgeConfig struct {
	DurationMs     int64      `json:"duration_ms"`
	GasParameterID *uuid.UUID `json:"gas_parameter_id,omitempty"`
	FlowSetpoint   *float64   `json:"flow_setpoint,omitempty"`
}

func (c *PurgeConfig) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

type ParameterConfig struct {
	ParameterID     uuid.UUID `json:"parameter_id"`
	Target          float64   `json:"target"`
	Tolerance       float64   `json:"tolerance,omitempty"`
	SettleTimeoutMs int64     `json:"settle_timeout_ms,omitempty"`
}

func (c *ParameterConfig) SettleTimeout() time.Duration {
	return time.Duration(c.SettleTimeoutMs) * time.Millisecond
}

type LoopConfig struct {
	IterationCount int    `json:"iteration_count"`
	Children       []Step `json:"children"`
}

// Parse decodes a stored recipe definition.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Recipe) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Defaults applied when a recipe omits optional timing fields. Missing
// loop counts and durations warn instead of failing the whole process;
// authoring-time validation is the place for strictness.
const (
	defaultDurationMs      = 1000
	defaultSettleTimeoutMs = 30000
	defaultIterationCount  = 1
)

// Resolve fills the typed step config, falling back to the legacy
// parameter blob, and applies documented defaults. This is the single
// resolution path; executors never look at the raw blob.
func (s *Step) Resolve(logger *zap.Logger) error {
	switch s.Type {
	case StepTypeValve:
		if s.Valve == nil {
			cfg := &ValveConfig{}
			if err := decodeLegacy(s.Parameters, cfg); err != nil {
				return &types.ConfigurationError{Field: "valve", Reason: err.Error()}
			}
			s.Valve = cfg
		}
		if s.Valve.ValveNumber < 0 {
			return &types.ConfigurationError{Field: "valve.valve_number", Reason: "negative valve number"}
		}
		if s.Valve.DurationMs <= 0 {
			logger.Warn("Valve step without duration, using default",
				zap.String("step", s.Name),
				zap.Int64("default_ms", defaultDurationMs))
			s.Valve.DurationMs = defaultDurationMs
		}
		return nil

	case StepTypePurge:
		if s.Purge == nil {
			cfg := &PurgeConfig{}
			if err := decodeLegacy(s.Parameters, cfg); err != nil {
				return &types.ConfigurationError{Field: "purge", Reason: err.Error()}
			}
			s.Purge = cfg
		}
		if s.Purge.DurationMs <= 0 {
			logger.Warn("Purge step without duration, using default",
				zap.String("step", s.Name),
				zap.Int64("default_ms", defaultDurationMs))
			s.Purge.DurationMs = defaultDurationMs
		}
		return nil

	case StepTypeParameter:
		if s.Parameter == nil {
			cfg := &ParameterConfig{}
			if err := decodeLegacy(s.Parameters, cfg); err != nil {
				return &types.ConfigurationError{Field: "parameter", Reason: err.Error()}
			}
			s.Parameter = cfg
		}
		// no default exists for the target parameter itself
		if s.Parameter.ParameterID == uuid.Nil {
			return &types.ConfigurationError{Field: "parameter.parameter_id", Reason: "missing parameter id"}
		}
		if s.Parameter.Tolerance > 0 && s.Parameter.SettleTimeoutMs <= 0 {
			s.Parameter.SettleTimeoutMs = defaultSettleTimeoutMs
		}
		return nil

	case StepTypeLoop:
		if s.Loop == nil {
			cfg := &LoopConfig{}
			if err := decodeLegacy(s.Parameters, cfg); err != nil {
				return &types.ConfigurationError{Field: "loop", Reason: err.Error()}
			}
			s.Loop = cfg
		}
		if s.Loop.IterationCount <= 0 {
			logger.Warn("Loop step without iteration count, defaulting to 1",
				zap.String("step", s.Name))
			s.Loop.IterationCount = defaultIterationCount
		}
		if len(s.Loop.Children) == 0 {
			return &types.ConfigurationError{Field: "loop.children", Reason: "loop has no child steps"}
		}
		for i := range s.Loop.Children {
			if err := s.Loop.Children[i].Resolve(logger); err != nil {
				return err
			}
		}
		return nil

	default:
		return &types.ConfigurationError{Field: "type", Reason: "unknown step type: " + string(s.Type)}
	}
}

// ResolveAll resolves every step of the recipe up front.
func (r *Recipe) ResolveAll(logger *zap.Logger) error {
	for i := range r.Steps {
		if err := r.Steps[i].Resolve(logger); err != nil {
			return err
		}
	}
	return nil
}

// decodeLegacy re-marshals the untyped blob into a typed config. Field
// names match the legacy keys, so a JSON round-trip is the whole decoder.
func decodeLegacy(blob map[string]any, target any) error {
	if blob == nil {
		return nil
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
