package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
machine:
  id: "b7a9f7a0-0000-4000-8000-000000000001"
plc:
  address: "127.0.0.1:502"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, time.Second, cfg.Sampler.TickInterval)
	assert.Equal(t, 3, cfg.Arbiter.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Safety.SignalTTL)
}

func TestLoadSamplerPriorityAboveEmergency(t *testing.T) {
	path := writeConfig(t, `
machine:
  id: "b7a9f7a0-0000-4000-8000-000000000001"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	// the default must never collide with the priority reserved for
	// close-all-valves
	assert.Equal(t, command.PrioritySampler, cfg.Sampler.ReadPriority)
	assert.Greater(t, cfg.Sampler.ReadPriority, command.PriorityEmergency)
}
