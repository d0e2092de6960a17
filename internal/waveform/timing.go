package waveform

import (
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/sample"
)

// Timing describes how fast the background context drains captures.
type Timing struct {
	LineFrequency     int
	MaxPreEventCycles int
	// Interval is the background invocation period. The writer stores
	// at most PagesPerStep pages of SamplesPerPage samples per
	// invocation, round robin over the active captures.
	Interval       time.Duration
	SamplesPerPage int
	PagesPerStep   int
	// StartLatency is the worst delay from grant to the first write.
	StartLatency time.Duration
}

// TimingReport holds the derived worst case, in samples.
type TimingReport struct {
	BufferLength int
	WorstGap     float64
	Throughput   float64
}

// ValidateTiming checks that the cursor can never lap a region the
// writer still has to read. Every kind may be active at once and the
// writer shares its throughput between them.
func ValidateTiming(t Timing) (TimingReport, error) {
	spc, err := sample.SamplesPerCycle(t.LineFrequency)
	if err != nil {
		return TimingReport{}, err
	}
	if !ValidPreEventCycles(t.MaxPreEventCycles) {
		return TimingReport{}, errors.New().WithData(errors.ErrInvalidSetpoint, t.MaxPreEventCycles)
	}
	if t.Interval <= 0 || t.SamplesPerPage <= 0 || t.PagesPerStep <= 0 {
		return TimingReport{}, errors.New().WithMessage(errors.ErrInvalidConfig,
			"writer interval and pages must be positive")
	}

	length := (TotalCycles + MarginCycles) * spc
	region := float64(TotalCycles * spc)
	rate := float64(sample.SampleRate)
	// Per-job throughput with every kind active.
	throughput := float64(t.SamplesPerPage*t.PagesPerStep) / t.Interval.Seconds() / float64(NumKinds)
	// A job waits at most this many invocations between two pages.
	turn := (int(NumKinds) + t.PagesPerStep - 1) / t.PagesPerStep

	gap := float64(t.MaxPreEventCycles*spc) + rate*t.StartLatency.Seconds() +
		rate*t.Interval.Seconds()*float64(turn)
	if throughput < rate {
		gap += (rate - throughput) * region / throughput
	}

	report := TimingReport{
		BufferLength: length,
		WorstGap:     gap,
		Throughput:   throughput,
	}
	if gap >= float64(length) {
		return report, errors.New().WithData(errors.ErrTimingInvariant, report)
	}

	return report, nil
}
