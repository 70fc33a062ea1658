package orderflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	assert.Equal(t, DefaultConfig(), LoadConfig())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ORDERFLOW_WORKERS", "8")
	t.Setenv("ORDERFLOW_MAX_ATTEMPTS", "5")
	t.Setenv("ORDERFLOW_BACKOFF_BASE_MS", "10")
	t.Setenv("ORDERFLOW_STEP_TIMEOUT_MS", "2500")

	cfg := LoadConfig()
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 2500*time.Millisecond, cfg.StepTimeout)

	// Untouched knobs keep their defaults.
	assert.Equal(t, DefaultConfig().QueueSize, cfg.QueueSize)
}

func TestLoadConfigIgnoresGarbage(t *testing.T) {
	t.Setenv("ORDERFLOW_WORKERS", "not-a-number")

	assert.Equal(t, DefaultConfig().Workers, LoadConfig().Workers)
}
