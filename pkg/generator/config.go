package generator

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/atomic64/internal/telemetry"
	"github.com/srediag/atomic64/pkg/device"
	"github.com/srediag/atomic64/pkg/locktable"
)

// DefaultInstallName is where loaders find a generated library, next to the
// float library it depends on.
const DefaultInstallName = device.LoaderPathPrefix + "libatomic64.lib"

// Config controls library generation.
type Config struct {
	LockTable    locktable.Config
	InstallName  string
	Optimization device.OptimizationLevel
	Tracer       trace.Tracer
	Meter        metric.Meter
	Metrics      *telemetry.Metrics
}

// DefaultConfig is used when Generate is given a nil config.
func DefaultConfig() *Config {
	return &Config{
		LockTable:    locktable.DefaultConfig(),
		InstallName:  DefaultInstallName,
		Optimization: device.OptimizeSize,
	}
}

// VerifyConfig rejects an unusable configuration.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("generator: nil config")
	}
	if err := locktable.VerifyConfig(config.LockTable); err != nil {
		return err
	}
	if !strings.HasPrefix(config.InstallName, device.LoaderPathPrefix) {
		return fmt.Errorf("generator: install name %q must start with %s", config.InstallName, device.LoaderPathPrefix)
	}
	return nil
}
