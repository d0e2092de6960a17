// Package aggregator turns the raw sample stream into the half-cycle,
// one-cycle and sub-interval sums of squares used by protection and
// metering.
//
// All mutable state lives on Aggregator and is touched only from the
// sampling context. Tick never allocates and always completes in a
// bounded number of steps. Sub-interval snapshots cross to the
// background context through a single-producer single-consumer queue.
package aggregator

import (
	"math"
	"sync/atomic"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/spsc"
)

const (
	// ScaleFactor converts raw counts to the fixed-point magnitude used
	// for protection squares.
	ScaleFactor = 10

	// MaxScaled clamps a scaled magnitude so that a full window of its
	// squares still fits in a uint64.
	MaxScaled = 1 << 28
)

// A full window of clamped squares, MaxSamplesPerCycle * 2^56, fits in a
// uint64. The constant fails to compile if either bound grows too far.
const _ = uint64(sample.MaxSamplesPerCycle) * MaxScaled * MaxScaled

// Maximum is the largest phase or neutral magnitude of a window kind
// together with the newest raw sample of the channel holding it.
type Maximum struct {
	Channel sample.Channel
	SOS     uint64
	Sample  int32
}

// Publication is refreshed on every Tick. It is owned by the Aggregator
// and stays valid until the next Tick.
type Publication struct {
	// Valid is false until the aggregator reaches Steady.
	Valid bool
	// Tick counts samples aggregated since the last resync.
	Tick uint64

	HalfCycle [sample.NumChannels]uint64
	OneCycle  [sample.NumChannels]uint64

	HalfCycleSav [sample.NumChannels]uint64
	OneCycleSav  [sample.NumChannels]uint64

	HalfCycleBoundary   bool
	OneCycleBoundary    bool
	SubIntervalBoundary bool

	MaxHalfCycle Maximum
	MaxOneCycle  Maximum

	Overflows uint64
}

// SubIntervalSnapshot is the float sum of squares of one ~200 ms window.
type SubIntervalSnapshot struct {
	Seq uint64
	// EndTick is the Publication.Tick of the last sample in the window.
	EndTick uint64
	Samples int
	AFE     [sample.NumChannels]float64
	ADC     [sample.NumADCChannels]float64
	// Overflows is the clamp counter when the window closed.
	Overflows uint64
}

// Aggregator is the sliding-window energy aggregator.
type Aggregator struct {
	cfg             Config
	samplesPerCycle int

	state   State
	aligner aligner

	half [sample.NumChannels]slidingWindow
	one  [sample.NumChannels]slidingWindow
	sub  [sample.NumChannels]tumblingWindow
	adc  [sample.NumADCChannels]tumblingWindow

	aligned [sample.NumADCChannels]float64
	pub     Publication
	subSeq  uint64

	snapshots *spsc.Ring[SubIntervalSnapshot]
	overflows atomic.Uint64
}

// New validates cfg and returns an Aggregator in WaitStableClock.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	spc, err := sample.SamplesPerCycle(cfg.LineFrequency)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidFrequency, err)
	}

	queue := cfg.SnapshotQueue
	if queue <= 0 {
		queue = defaultSnapshotQueue
	}

	a := &Aggregator{
		cfg:             cfg,
		samplesPerCycle: spc,
		snapshots:       spsc.New[SubIntervalSnapshot](queue),
	}
	a.Resync()

	return a, nil
}

// SamplesPerCycle returns the one-cycle window length.
func (a *Aggregator) SamplesPerCycle() int {
	return a.samplesPerCycle
}

// State returns the current start-up state.
func (a *Aggregator) State() State {
	return a.state
}

// Valid reports whether window data is trustworthy.
func (a *Aggregator) Valid() bool {
	return a.state == Steady
}

// Publication returns the most recent publication.
func (a *Aggregator) Publication() *Publication {
	return &a.pub
}

// Snapshots is the consumer side of the sub-interval queue. Only the
// background context may Pop from it.
func (a *Aggregator) Snapshots() *spsc.Ring[SubIntervalSnapshot] {
	return a.snapshots
}

// Overflows returns the number of clamped magnitudes. Safe to call from
// any goroutine.
func (a *Aggregator) Overflows() uint64 {
	return a.overflows.Load()
}

// Resync zeroes every window and restarts the start-up sequence.
func (a *Aggregator) Resync() {
	half := a.samplesPerCycle / 2
	for ch := range a.half {
		a.half[ch].reset(half)
		a.one[ch].reset(a.samplesPerCycle)
		a.sub[ch].reset(sample.SubIntervalSamples)
	}
	for ch := range a.adc {
		a.adc[ch].reset(sample.SubIntervalSamples)
	}

	a.state = WaitStableClock
	a.aligner = newAligner(a.cfg)
	a.pub = Publication{Overflows: a.overflows.Load()}
}

// Tick processes one sample. stable is the front-end stable signal;
// losing it forces a resync.
func (a *Aggregator) Tick(s *sample.Sample, stable bool) *Publication {
	if !stable {
		if a.state != WaitStableClock {
			a.Resync()
		}
		return &a.pub
	}

	switch a.state {
	case SeedHighGain:
		a.aligner.seedHigh(s)
	case SeedLowGain:
		a.aligner.seedLow(s)
	case Steady:
		a.aggregate(s)
		return &a.pub
	}
	a.state = a.state.next()

	return &a.pub
}

func (a *Aggregator) aggregate(s *sample.Sample) {
	pub := &a.pub
	pub.Valid = true
	pub.Tick++

	var halfDone, oneDone, subDone bool
	for ch := 0; ch < sample.NumChannels; ch++ {
		halfDone, oneDone, subDone = a.addSample(sample.Channel(ch), s.AFE[ch])
	}

	a.aligner.align(s, &a.aligned)
	for ch := 0; ch < sample.NumADCChannels; ch++ {
		v := a.aligned[ch]
		a.adc[ch].add(v * v)
	}

	pub.HalfCycleBoundary = halfDone
	pub.OneCycleBoundary = oneDone
	pub.SubIntervalBoundary = subDone
	for ch := 0; ch < sample.NumChannels; ch++ {
		pub.HalfCycle[ch] = a.half[ch].sum
		pub.OneCycle[ch] = a.one[ch].sum
		if halfDone {
			pub.HalfCycleSav[ch] = a.half[ch].sav
		}
		if oneDone {
			pub.OneCycleSav[ch] = a.one[ch].sav
		}
	}

	pub.MaxHalfCycle = a.maximum(&pub.HalfCycle, s)
	pub.MaxOneCycle = a.maximum(&pub.OneCycle, s)
	pub.Overflows = a.overflows.Load()

	if subDone {
		a.publishSubInterval()
	}
}

// addSample folds one raw channel value into every window of that
// channel and reports which windows completed on this tick.
func (a *Aggregator) addSample(ch sample.Channel, raw int32) (half, one, sub bool) {
	mag := a.scale(raw)
	sq := mag * mag

	half = a.half[ch].add(sq)
	one = a.one[ch].add(sq)

	f := float64(raw)
	sub = a.sub[ch].add(f * f)

	return half, one, sub
}

// scale converts raw to the fixed-point magnitude, clamping at MaxScaled.
func (a *Aggregator) scale(raw int32) uint64 {
	mag := int64(raw)
	if mag < 0 {
		mag = -mag
	}
	mag *= ScaleFactor
	if mag > MaxScaled {
		a.overflows.Add(1)
		return MaxScaled
	}

	return uint64(mag)
}

func (a *Aggregator) maximum(sums *[sample.NumChannels]uint64, s *sample.Sample) Maximum {
	best := Maximum{Channel: sample.Ia, SOS: sums[sample.Ia], Sample: s.AFE[sample.Ia]}
	for _, ch := range [...]sample.Channel{sample.Ib, sample.Ic} {
		if sums[ch] > best.SOS {
			best = Maximum{Channel: ch, SOS: sums[ch], Sample: s.AFE[ch]}
		}
	}

	if a.cfg.NeutralRatio == 0 {
		return best
	}
	neutral := ScaleNeutralSOS(sums[sample.In], a.cfg.NeutralRatio)
	if neutral > best.SOS {
		best = Maximum{
			Channel: sample.In,
			SOS:     neutral,
			Sample:  ScaleNeutralSample(s.AFE[sample.In], a.cfg.NeutralRatio),
		}
	}

	return best
}

func (a *Aggregator) publishSubInterval() {
	a.subSeq++
	snap := SubIntervalSnapshot{
		Seq:       a.subSeq,
		EndTick:   a.pub.Tick,
		Samples:   sample.SubIntervalSamples,
		Overflows: a.pub.Overflows,
	}
	for ch := range a.sub {
		snap.AFE[ch] = a.sub[ch].sav
	}
	for ch := range a.adc {
		snap.ADC[ch] = a.adc[ch].sav
	}
	a.snapshots.Push(snap)
}

// RMS converts a fixed-point sum of squares over n samples back to raw
// counts.
func RMS(sos uint64, n int) float64 {
	if n <= 0 {
		return 0
	}

	return math.Sqrt(float64(sos)/float64(n)) / ScaleFactor
}
