// Package peak tracks per-cycle peak magnitude and the sine/cosine
// correlation sums from which crest factor, fundamental phasor, THD and
// displacement power factor are derived.
package peak

import (
	"math"

	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/spsc"
)

const defaultQueue = 64

// CycleResult holds the sums of one complete line cycle.
type CycleResult struct {
	Seq     uint64
	Samples int
	Peak    [sample.NumChannels]int32
	Sin     [sample.NumChannels]float64
	Cos     [sample.NumChannels]float64
	SOS     [sample.NumChannels]float64
}

// Tracker accumulates one cycle at a time. Add is called from the
// sampling context; completed cycles are queued for the background
// context.
type Tracker struct {
	spc int
	sin [sample.MaxSamplesPerCycle]float64
	cos [sample.MaxSamplesPerCycle]float64

	pos  int
	seq  uint64
	cur  CycleResult
	last CycleResult

	results *spsc.Ring[CycleResult]
}

// New precomputes the reference tables for lineFrequency.
func New(lineFrequency, queue int) (*Tracker, error) {
	spc, err := sample.SamplesPerCycle(lineFrequency)
	if err != nil {
		return nil, err
	}
	if queue <= 0 {
		queue = defaultQueue
	}

	t := &Tracker{
		spc:     spc,
		results: spsc.New[CycleResult](queue),
	}
	for k := 0; k < spc; k++ {
		angle := 2 * math.Pi * float64(k) / float64(spc)
		t.sin[k] = math.Sin(angle)
		t.cos[k] = math.Cos(angle)
	}
	t.Reset()

	return t, nil
}

// Reset discards the partial cycle.
func (t *Tracker) Reset() {
	t.pos = 0
	t.cur = CycleResult{Samples: t.spc}
}

// Add folds s into the current cycle and reports whether it completed.
func (t *Tracker) Add(s *sample.Sample) bool {
	sn, cs := t.sin[t.pos], t.cos[t.pos]
	for ch := 0; ch < sample.NumChannels; ch++ {
		raw := s.AFE[ch]
		mag := raw
		if mag < 0 {
			mag = -mag
			if mag < 0 {
				mag = math.MaxInt32
			}
		}
		if mag > t.cur.Peak[ch] {
			t.cur.Peak[ch] = mag
		}

		v := float64(raw)
		t.cur.Sin[ch] += v * sn
		t.cur.Cos[ch] += v * cs
		t.cur.SOS[ch] += v * v
	}

	t.pos++
	if t.pos < t.spc {
		return false
	}

	t.seq++
	t.cur.Seq = t.seq
	t.last = t.cur
	t.results.Push(t.cur)
	t.Reset()

	return true
}

// Last returns the most recently completed cycle.
func (t *Tracker) Last() *CycleResult {
	return &t.last
}

// Results is the consumer side of the completed-cycle queue.
func (t *Tracker) Results() *spsc.Ring[CycleResult] {
	return t.results
}

// RMS returns the true RMS of ch in raw counts.
func (r *CycleResult) RMS(ch sample.Channel) float64 {
	if r.Samples == 0 {
		return 0
	}

	return math.Sqrt(r.SOS[ch] / float64(r.Samples))
}

// CrestFactor is peak over RMS; zero when the channel is silent.
func (r *CycleResult) CrestFactor(ch sample.Channel) float64 {
	rms := r.RMS(ch)
	if rms == 0 {
		return 0
	}

	return float64(r.Peak[ch]) / rms
}

// Fundamental returns the RMS magnitude and phase angle in radians of
// the fundamental component of ch.
func (r *CycleResult) Fundamental(ch sample.Channel) (float64, float64) {
	if r.Samples == 0 {
		return 0, 0
	}

	amplitude := 2 / float64(r.Samples) * math.Hypot(r.Sin[ch], r.Cos[ch])

	return amplitude / math.Sqrt2, math.Atan2(r.Cos[ch], r.Sin[ch])
}

// THD is the total harmonic distortion of ch as a fraction of the
// fundamental.
func (r *CycleResult) THD(ch sample.Channel) float64 {
	fund, _ := r.Fundamental(ch)
	if fund == 0 {
		return 0
	}

	rms := r.RMS(ch)
	harmonics := rms*rms - fund*fund
	if harmonics <= 0 {
		return 0
	}

	return math.Sqrt(harmonics) / fund
}

// DisplacementPowerFactor is cos of the angle between the voltage and
// current fundamentals.
func (r *CycleResult) DisplacementPowerFactor(voltage, current sample.Channel) float64 {
	_, av := r.Fundamental(voltage)
	_, ai := r.Fundamental(current)

	return math.Cos(av - ai)
}
