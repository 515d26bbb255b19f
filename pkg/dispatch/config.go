package dispatch

import (
	"errors"
	"runtime"
	"time"

	"github.com/srediag/atomic64/internal/telemetry"
)

// Config tunes a command queue.
type Config struct {
	Label string
	// Workers is the size of the thread pool kernels run on.
	Workers int
	// QueueCapacity is the initial capacity of the committed-buffer queue.
	QueueCapacity int64
	// TimeLimit aborts a command buffer that runs longer. Zero disables it.
	TimeLimit time.Duration
	Metrics   *telemetry.Metrics
}

// DefaultConfig returns a queue with one worker per CPU and no time limit.
func DefaultConfig() *Config {
	return &Config{
		Label:         "queue",
		Workers:       runtime.NumCPU(),
		QueueCapacity: 64,
	}
}

// VerifyConfig rejects an unusable configuration.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("dispatch: nil config")
	}
	if config.Workers <= 0 {
		return errors.New("dispatch: Workers must be positive")
	}
	if config.QueueCapacity < 0 {
		return errors.New("dispatch: negative QueueCapacity")
	}
	if config.TimeLimit < 0 {
		return errors.New("dispatch: negative TimeLimit")
	}
	return nil
}
