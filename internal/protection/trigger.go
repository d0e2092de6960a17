// Package protection closes the loop between the aggregator and the
// capture arbiter with simple pickup comparators. It does not model
// trip-time curves.
package protection

import (
	"math"
	"sync/atomic"

	"codeberg.org/mutker/tripunit/internal/aggregator"
	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/waveform"
)

// Re-arm once the level falls below this fraction of the pickup.
const hysteresis = 0.95

const numResults = int(waveform.Invalid) + 1

type Config struct {
	// Pickups are RMS levels in raw counts; zero disables a comparator.
	TripPickup  float64
	AlarmPickup float64
	// Pre-event cycles per capture kind.
	TripCycles     int
	AlarmCycles    int
	ExtendedCycles int
}

func DefaultConfig() Config {
	return Config{
		TripPickup:     6000,
		AlarmPickup:    1200,
		TripCycles:     8,
		AlarmCycles:    12,
		ExtendedCycles: 28,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.TripPickup < 0 || c.AlarmPickup < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "pickups must not be negative")
	}
	for _, n := range []int{c.TripCycles, c.AlarmCycles, c.ExtendedCycles} {
		if !waveform.ValidPreEventCycles(n) {
			return errFactory.WithData(errors.ErrInvalidSetpoint, n)
		}
	}

	return nil
}

// Cycles returns the pre-event setpoint of kind k.
func (c Config) Cycles(k waveform.Kind) int {
	switch k {
	case waveform.Trip:
		return c.TripCycles
	case waveform.Alarm:
		return c.AlarmCycles
	case waveform.ExtendedCapture, waveform.NumKinds:
	}
	return c.ExtendedCycles
}

// MaxCycles is the largest configured setpoint.
func (c Config) MaxCycles() int {
	return max(c.TripCycles, c.AlarmCycles, c.ExtendedCycles)
}

type comparator struct {
	pickup uint64
	rearm  uint64
	armed  bool
}

func newComparator(rms float64, n int) comparator {
	if rms <= 0 {
		return comparator{}
	}

	return comparator{
		pickup: threshold(rms, n),
		rearm:  threshold(rms*hysteresis, n),
		armed:  true,
	}
}

// threshold converts an RMS pickup to the fixed-point window SOS.
func threshold(rms float64, n int) uint64 {
	scaled := math.Min(rms*aggregator.ScaleFactor, aggregator.MaxScaled)

	return uint64(scaled*scaled) * uint64(n)
}

// check reports a rising crossing.
func (c *comparator) check(sos uint64) bool {
	if c.pickup == 0 {
		return false
	}
	if c.armed && sos > c.pickup {
		c.armed = false
		return true
	}
	if !c.armed && sos < c.rearm {
		c.armed = true
	}

	return false
}

// Trigger raises capture requests from aggregator publications. Evaluate
// runs in the sampling context; RequestExtended may be called from any
// goroutine.
type Trigger struct {
	cfg       Config
	requester *waveform.Requester
	trip      comparator
	alarm     comparator
	extended  atomic.Bool
	counts    [waveform.NumKinds][numResults]atomic.Uint64
}

func New(cfg Config, lineFrequency int, requester *waveform.Requester) (*Trigger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spc, err := sample.SamplesPerCycle(lineFrequency)
	if err != nil {
		return nil, err
	}

	return &Trigger{
		cfg:       cfg,
		requester: requester,
		trip:      newComparator(cfg.TripPickup, spc/2),
		alarm:     newComparator(cfg.AlarmPickup, spc),
	}, nil
}

// RequestExtended asks for an extended capture on the next tick.
func (t *Trigger) RequestExtended() {
	t.extended.Store(true)
}

// Evaluate compares the current maxima against the pickups and forwards
// rising crossings to the arbiter.
func (t *Trigger) Evaluate(pub *aggregator.Publication) {
	if !pub.Valid {
		return
	}

	if t.trip.check(pub.MaxHalfCycle.SOS) {
		t.request(waveform.Trip)
	}
	if t.alarm.check(pub.MaxOneCycle.SOS) {
		t.request(waveform.Alarm)
	}
	if t.extended.Load() && t.extended.CompareAndSwap(true, false) {
		t.request(waveform.ExtendedCapture)
	}
}

func (t *Trigger) request(k waveform.Kind) {
	res := t.requester.Request(k, t.cfg.Cycles(k))
	t.counts[k][res].Add(1)
}

// Count returns how many requests of kind k ended with res.
func (t *Trigger) Count(k waveform.Kind, res waveform.RequestResult) uint64 {
	return t.counts[k][res].Load()
}
