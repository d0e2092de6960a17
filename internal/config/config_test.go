package config_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/tripunit/internal/config"
	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/pid"
	"codeberg.org/mutker/tripunit/internal/waveform"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tripunit.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
pid_file = "/tmp/tripunit-test.pid"

[sampling]
line_frequency = 50
neutral_ratio = 60

[capture]
trip_cycles = 10
alarm_cycles = 14
extended_cycles = 20
trip_pickup = 5000.0

[writer]
interval = "1ms"
pages_per_step = 6

[storage]
path = "/data/tripunit.db"
compression = "zstd"
batch_timeout = "2s"

[metering]
enabled = true
`)

	cfg, err := config.Load(config.WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, "/tmp/tripunit-test.pid", cfg.PIDFile)
	assert.Equal(t, 50, cfg.Sampling.LineFrequency)
	assert.Equal(t, 60, cfg.Sampling.NeutralRatio)
	assert.Equal(t, 10, cfg.Capture.TripCycles)
	assert.Equal(t, 14, cfg.Capture.AlarmCycles)
	assert.Equal(t, 20, cfg.Capture.ExtendedCycles)
	assert.InDelta(t, 5000.0, cfg.Capture.TripPickup, 1e-9)
	assert.Equal(t, time.Millisecond, cfg.Writer.Interval)
	assert.Equal(t, 6, cfg.Writer.PagesPerStep)
	assert.Equal(t, "/data/tripunit.db", cfg.Storage.Path)
	assert.Equal(t, "zstd", cfg.Storage.Compression)
	assert.Equal(t, 2*time.Second, cfg.Storage.BatchTimeout)
	assert.True(t, cfg.Metering.Enabled)

	assert.Equal(t, 50, cfg.Aggregator().LineFrequency)
	assert.Equal(t, 20, cfg.Protection().MaxCycles())
	assert.Equal(t, "/data/tripunit.db", cfg.Store().DBPath)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.DefaultPIDFile, cfg.PIDFile)
	assert.Equal(t, 60, cfg.Sampling.LineFrequency)
	assert.Equal(t, 1500*time.Microsecond, cfg.Writer.Interval)
	assert.Equal(t, "lz4", cfg.Storage.Compression)

	report, err := waveform.ValidateTiming(cfg.Timing())
	require.NoError(t, err)
	assert.Less(t, report.WorstGap, float64(report.BufferLength))
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("TRIPUNIT_SAMPLING_LINE_FREQUENCY", "50")
	t.Setenv("TRIPUNIT_LOG_LEVEL", "error")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Sampling.LineFrequency)
	assert.Equal(t, config.LogLevelError, cfg.LogLevel)
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
[sampling]
line_frequency = 50
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.Int("line-frequency", 60, "")
	require.NoError(t, flags.Parse([]string{"--line-frequency=60"}))

	cfg, err := config.Load(config.WithConfigFile(path), config.WithFlags(flags))
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Sampling.LineFrequency)
	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load(config.WithConfigFile(path))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `log_level = "verbose"`)

	_, err := config.Load(config.WithConfigFile(path))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		code   errors.ErrorCode
	}{
		{
			name:   "unsupported line frequency",
			mutate: func(c *config.Config) { c.Sampling.LineFrequency = 55 },
			code:   errors.ErrInvalidFrequency,
		},
		{
			name:   "neutral ratio out of range",
			mutate: func(c *config.Config) { c.Sampling.NeutralRatio = 120 },
			code:   errors.ErrInvalidRatio,
		},
		{
			name:   "pre-event cycles above limit",
			mutate: func(c *config.Config) { c.Capture.ExtendedCycles = 29 },
			code:   errors.ErrInvalidSetpoint,
		},
		{
			name: "writer too slow for buffer",
			mutate: func(c *config.Config) {
				c.Writer.Interval = 50 * time.Millisecond
				c.Writer.PagesPerStep = 1
			},
			code: errors.ErrTimingInvariant,
		},
		{
			name:   "zero sampling interval",
			mutate: func(c *config.Config) { c.Sampling.Interval = 0 },
			code:   errors.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestSimulatorDurationsInSamples(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	cfg.Simulator.FaultAt = time.Second
	cfg.Simulator.FaultDuration = 100 * time.Millisecond

	sim := cfg.Source()
	assert.Equal(t, uint64(4800), sim.FaultAt)
	assert.Equal(t, uint64(480), sim.FaultDuration)
	assert.Equal(t, cfg.Sampling.LineFrequency, sim.LineFrequency)

	tests := []struct {
		name string
		d    time.Duration
		want uint64
	}{
		{"one sample", 208334 * time.Nanosecond, 1},
		{"just short of one sample", 208333 * time.Nanosecond, 0},
		{"thirty days", 30 * 24 * time.Hour, 30 * 24 * 3600 * 4800},
		{"longest duration", math.MaxInt64, 44272185776902},
		{"negative", -time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.Simulator.FaultAt = tt.d
			assert.Equal(t, tt.want, cfg.Source().FaultAt)
		})
	}
}

func TestDefaultPIDFileIsWritableLocation(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, os.TempDir(), filepath.Dir(cfg.PIDFile))
	assert.Equal(t, pid.DefaultName, filepath.Base(cfg.PIDFile))
}
