package aggregator

import (
	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/sample"
)

const (
	defaultNeutralRatio  = 100
	defaultSnapshotQueue = 16
)

// Config holds the aggregator setpoints.
type Config struct {
	LineFrequency int
	// NeutralRatio is the neutral sensor ratio in percent.
	NeutralRatio int
	// ADCLag is the fraction of a sample period by which the ADC paths
	// trail the AFE, in [0, 1).
	ADCLag        float64
	ADCGainRatio  float64
	ADCSaturation int32
	// SnapshotQueue is the capacity of the sub-interval hand-off queue.
	SnapshotQueue int
}

func DefaultConfig() Config {
	return Config{
		LineFrequency: 60,
		NeutralRatio:  defaultNeutralRatio,
		ADCLag:        0.25,
		ADCGainRatio:  8,
		ADCSaturation: 30000,
		SnapshotQueue: defaultSnapshotQueue,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if _, err := sample.SamplesPerCycle(c.LineFrequency); err != nil {
		return errFactory.Wrap(errors.ErrInvalidFrequency, err)
	}
	if !ValidNeutralRatio(c.NeutralRatio) {
		return errFactory.WithData(errors.ErrInvalidRatio, c.NeutralRatio)
	}
	if c.ADCLag < 0 || c.ADCLag >= 1 {
		return errFactory.WithData(ErrInvalidADCLag, c.ADCLag)
	}
	if c.ADCGainRatio <= 0 {
		return errFactory.WithData(ErrInvalidGainRatio, c.ADCGainRatio)
	}

	return nil
}
