package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/tripunit/internal/aggregator"
	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/metering"
	"codeberg.org/mutker/tripunit/internal/nvwriter"
	"codeberg.org/mutker/tripunit/internal/pid"
	"codeberg.org/mutker/tripunit/internal/protection"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/store"
	"codeberg.org/mutker/tripunit/internal/waveform"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel  = LogLevelInfo
	DefaultEnvPrefix = "TRIPUNIT"
)

// DefaultPIDFile lives in the temp directory so unprivileged runs work.
var DefaultPIDFile = filepath.Join(os.TempDir(), pid.DefaultName)

type Config struct {
	LogLevel  LogLevel        `mapstructure:"log_level"`
	PIDFile   string          `mapstructure:"pid_file"`
	Sampling  SamplingConfig  `mapstructure:"sampling"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Metering  MeteringConfig  `mapstructure:"metering"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

type SamplingConfig struct {
	LineFrequency int     `mapstructure:"line_frequency"`
	NeutralRatio  int     `mapstructure:"neutral_ratio"`
	ADCLag        float64 `mapstructure:"adc_lag"`
	ADCGainRatio  float64 `mapstructure:"adc_gain_ratio"`
	ADCSaturation int32   `mapstructure:"adc_saturation"`
	SnapshotQueue int     `mapstructure:"snapshot_queue"`
	// Interval is how often the sampling goroutine catches up with the
	// sample clock.
	Interval time.Duration `mapstructure:"interval"`
}

type CaptureConfig struct {
	TripCycles     int     `mapstructure:"trip_cycles"`
	AlarmCycles    int     `mapstructure:"alarm_cycles"`
	ExtendedCycles int     `mapstructure:"extended_cycles"`
	TripPickup     float64 `mapstructure:"trip_pickup"`
	AlarmPickup    float64 `mapstructure:"alarm_pickup"`
}

type WriterConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	SamplesPerPage int           `mapstructure:"samples_per_page"`
	PagesPerStep   int           `mapstructure:"pages_per_step"`
	StartLatency   time.Duration `mapstructure:"start_latency"`
}

type StorageConfig struct {
	Path         string        `mapstructure:"path"`
	BackupDir    string        `mapstructure:"backup_dir"`
	Compression  string        `mapstructure:"compression"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type MeteringConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CurrentScale float64 `mapstructure:"current_scale"`
	VoltageScale float64 `mapstructure:"voltage_scale"`
}

type SimulatorConfig struct {
	CurrentRMS    float64       `mapstructure:"current_rms"`
	GroundRMS     float64       `mapstructure:"ground_rms"`
	VoltageRMS    float64       `mapstructure:"voltage_rms"`
	ThirdHarmonic float64       `mapstructure:"third_harmonic"`
	StableAfter   time.Duration `mapstructure:"stable_after"`
	FaultAt       time.Duration `mapstructure:"fault_at"`
	FaultRMS      float64       `mapstructure:"fault_rms"`
	FaultDuration time.Duration `mapstructure:"fault_duration"`
}

// Load builds configuration from defaults, file, environment and flags,
// in increasing precedence, and validates it.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if o.configPath != "" {
		v.SetConfigFile(o.configPath)
	} else {
		v.SetConfigName("tripunit")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/tripunit")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	if o.flags != nil {
		if err := bindFlags(v, o.flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":      "log_level",
	"pid-file":       "pid_file",
	"line-frequency": "sampling.line_frequency",
	"db":             "storage.path",
	"compression":    "storage.compression",
	"metering":       "metering.enabled",
	"fault-at":       "simulator.fault_at",
	"fault-rms":      "simulator.fault_rms",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.New().Wrap(errors.ErrBindFlags, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", string(DefaultLogLevel))
	v.SetDefault("pid_file", DefaultPIDFile)

	agg := aggregator.DefaultConfig()
	v.SetDefault("sampling.line_frequency", agg.LineFrequency)
	v.SetDefault("sampling.neutral_ratio", agg.NeutralRatio)
	v.SetDefault("sampling.adc_lag", agg.ADCLag)
	v.SetDefault("sampling.adc_gain_ratio", agg.ADCGainRatio)
	v.SetDefault("sampling.adc_saturation", agg.ADCSaturation)
	v.SetDefault("sampling.snapshot_queue", agg.SnapshotQueue)
	v.SetDefault("sampling.interval", "1ms")

	prot := protection.DefaultConfig()
	v.SetDefault("capture.trip_cycles", prot.TripCycles)
	v.SetDefault("capture.alarm_cycles", prot.AlarmCycles)
	v.SetDefault("capture.extended_cycles", prot.ExtendedCycles)
	v.SetDefault("capture.trip_pickup", prot.TripPickup)
	v.SetDefault("capture.alarm_pickup", prot.AlarmPickup)

	w := nvwriter.DefaultConfig()
	v.SetDefault("writer.interval", "1500us")
	v.SetDefault("writer.samples_per_page", w.SamplesPerPage)
	v.SetDefault("writer.pages_per_step", w.PagesPerStep)
	v.SetDefault("writer.start_latency", "10ms")

	st := store.DefaultConfig()
	v.SetDefault("storage.path", st.DBPath)
	v.SetDefault("storage.compression", st.Compression)
	v.SetDefault("storage.batch_size", st.BatchSize)
	v.SetDefault("storage.batch_timeout", st.BatchTimeout.String())

	m := metering.DefaultConfig()
	v.SetDefault("metering.enabled", m.Enabled)
	v.SetDefault("metering.current_scale", m.CurrentScale)
	v.SetDefault("metering.voltage_scale", m.VoltageScale)

	sim := sample.DefaultSimulatorConfig()
	v.SetDefault("simulator.current_rms", sim.CurrentRMS)
	v.SetDefault("simulator.ground_rms", sim.GroundRMS)
	v.SetDefault("simulator.voltage_rms", sim.VoltageRMS)
	v.SetDefault("simulator.third_harmonic", 0.05)
	v.SetDefault("simulator.stable_after", "10ms")
	v.SetDefault("simulator.fault_at", "0s")
	v.SetDefault("simulator.fault_rms", 9000.0)
	v.SetDefault("simulator.fault_duration", "100ms")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate checks every section and the capture timing invariant.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !c.LogLevel.IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Sampling.Interval <= 0 || c.Writer.Interval <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "sampling and writer intervals must be positive")
	}

	for _, err := range []error{
		c.Aggregator().Validate(),
		c.Protection().Validate(),
		c.NVWriter().Validate(),
		c.Store().Validate(),
		c.MeteringService().Validate(),
	} {
		if err != nil {
			return err
		}
	}

	if _, err := waveform.ValidateTiming(c.Timing()); err != nil {
		return err
	}

	return nil
}

// Aggregator returns the aggregator setpoints.
func (c *Config) Aggregator() aggregator.Config {
	return aggregator.Config{
		LineFrequency: c.Sampling.LineFrequency,
		NeutralRatio:  c.Sampling.NeutralRatio,
		ADCLag:        c.Sampling.ADCLag,
		ADCGainRatio:  c.Sampling.ADCGainRatio,
		ADCSaturation: c.Sampling.ADCSaturation,
		SnapshotQueue: c.Sampling.SnapshotQueue,
	}
}

func (c *Config) Protection() protection.Config {
	return protection.Config{
		TripPickup:     c.Capture.TripPickup,
		AlarmPickup:    c.Capture.AlarmPickup,
		TripCycles:     c.Capture.TripCycles,
		AlarmCycles:    c.Capture.AlarmCycles,
		ExtendedCycles: c.Capture.ExtendedCycles,
	}
}

func (c *Config) NVWriter() nvwriter.Config {
	return nvwriter.Config{
		SamplesPerPage: c.Writer.SamplesPerPage,
		PagesPerStep:   c.Writer.PagesPerStep,
	}
}

func (c *Config) Store() store.Config {
	return store.Config{
		DBPath:       c.Storage.Path,
		BackupDir:    c.Storage.BackupDir,
		Compression:  c.Storage.Compression,
		BatchSize:    c.Storage.BatchSize,
		BatchTimeout: c.Storage.BatchTimeout,
	}
}

func (c *Config) MeteringService() metering.Config {
	return metering.Config{
		Enabled:      c.Metering.Enabled,
		CurrentScale: c.Metering.CurrentScale,
		VoltageScale: c.Metering.VoltageScale,
	}
}

// Timing describes the writer throughput for the largest setpoint.
func (c *Config) Timing() waveform.Timing {
	return waveform.Timing{
		LineFrequency:     c.Sampling.LineFrequency,
		MaxPreEventCycles: c.Protection().MaxCycles(),
		Interval:          c.Writer.Interval,
		SamplesPerPage:    c.Writer.SamplesPerPage,
		PagesPerStep:      c.Writer.PagesPerStep,
		StartLatency:      c.Writer.StartLatency,
	}
}

// Source returns the settings of the simulated front end.
func (c *Config) Source() sample.SimulatorConfig {
	sim := sample.DefaultSimulatorConfig()
	sim.LineFrequency = c.Sampling.LineFrequency
	sim.ADCLag = c.Sampling.ADCLag
	sim.ADCGainRatio = c.Sampling.ADCGainRatio
	sim.ADCSaturation = c.Sampling.ADCSaturation
	sim.CurrentRMS = c.Simulator.CurrentRMS
	sim.GroundRMS = c.Simulator.GroundRMS
	sim.VoltageRMS = c.Simulator.VoltageRMS
	sim.ThirdHarmonic = c.Simulator.ThirdHarmonic
	sim.StableAfter = samples(c.Simulator.StableAfter)
	sim.FaultAt = samples(c.Simulator.FaultAt)
	sim.FaultRMS = c.Simulator.FaultRMS
	sim.FaultDuration = samples(c.Simulator.FaultDuration)

	return sim
}

// samples converts d to a sample count. Whole seconds and the remainder
// are scaled separately so long durations cannot overflow.
func samples(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	secs, rem := d/time.Second, d%time.Second

	return uint64(secs)*sample.SampleRate + uint64(rem*sample.SampleRate/time.Second)
}
