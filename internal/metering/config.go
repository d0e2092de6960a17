package metering

import "codeberg.org/mutker/tripunit/internal/errors"

type Config struct {
	Enabled bool
	// Engineering units per raw count.
	CurrentScale float64
	VoltageScale float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		CurrentScale: 0.01,
		VoltageScale: 0.05,
	}
}

func (c Config) Validate() error {
	if c.Enabled && (c.CurrentScale <= 0 || c.VoltageScale <= 0) {
		return errors.New().WithMessage(errors.ErrInvalidConfig, "metering scales must be positive")
	}
	return nil
}
