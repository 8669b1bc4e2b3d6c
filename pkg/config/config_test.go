package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemoslab/mnemos/pkg/errors"
)

func TestConfig(t *testing.T) {
	t.Run("Defaults Validate", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Equal(t, 5, cfg.Orchestrator.ReflectEvery)
		assert.Equal(t, 24*time.Hour, cfg.Selector.DecayHalfLife.Std())
	})

	t.Run("Load Overlays YAML Onto Defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "mnemos.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 0.0.0.0
  port: 9100
orchestrator:
  max_concurrent: 8
  max_attempts: 3
  retry_backoff: 500ms
  backoff_multiplier: 2
  task_timeout: 30s
  reflect_every: 10
`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Server.Port)
		assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrent)
		assert.Equal(t, 10, cfg.Orchestrator.ReflectEvery)
		// Untouched sections keep their defaults.
		assert.Equal(t, 3, cfg.Selector.MinAttempts)
	})

	t.Run("Load Skips Missing Files", func(t *testing.T) {
		cfg, err := Load("/nonexistent/mnemos.yaml")
		require.NoError(t, err)
		assert.Equal(t, Default().Server.Port, cfg.Server.Port)
	})

	t.Run("Invalid Values Rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Server.Port = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Equal(t, errors.InvalidInput, errors.Code(err))

		cfg = Default()
		cfg.Orchestrator.MaxConcurrent = 0
		require.Error(t, cfg.Validate())

		cfg = Default()
		cfg.Collaborator.Provider = "carrier-pigeon"
		require.Error(t, cfg.Validate())
	})

	t.Run("API Key From Environment", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-test")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-test", cfg.Collaborator.APIKey)
	})
}
