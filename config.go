package orderflow

import (
	"os"
	"strconv"
	"time"
)

// Config holds tuning knobs for the orchestrator.
type Config struct {
	// Workers is the number of goroutines draining the saga queue.
	Workers int
	// QueueSize bounds the number of sagas waiting for a worker.
	QueueSize int
	// MaxAttempts bounds retries of a step (forward or compensating)
	// before its error is treated as terminal.
	MaxAttempts int
	// BackoffBase is the initial delay between retries; it doubles per
	// attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// StepTimeout bounds a single step invocation. A timeout is a step
	// failure, never a hang.
	StepTimeout time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenvms(key string, defMs int) time.Duration {
	ms := atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

// DefaultConfig returns the configuration used when no environment overrides
// are present.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		MaxAttempts: 3,
		BackoffBase: 50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		StepTimeout: 5 * time.Second,
	}
}

// LoadConfig collects configuration from environment with defaults.
func LoadConfig() Config {
	def := DefaultConfig()
	return Config{
		Workers:     atoienv("ORDERFLOW_WORKERS", def.Workers),
		QueueSize:   atoienv("ORDERFLOW_QUEUE_SIZE", def.QueueSize),
		MaxAttempts: atoienv("ORDERFLOW_MAX_ATTEMPTS", def.MaxAttempts),
		BackoffBase: durenvms("ORDERFLOW_BACKOFF_BASE_MS", int(def.BackoffBase/time.Millisecond)),
		BackoffMax:  durenvms("ORDERFLOW_BACKOFF_MAX_MS", int(def.BackoffMax/time.Millisecond)),
		StepTimeout: durenvms("ORDERFLOW_STEP_TIMEOUT_MS", int(def.StepTimeout/time.Millisecond)),
	}
}
