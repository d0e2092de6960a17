package sample

import (
	"math"
)

// SimulatorConfig describes the synthetic waveforms produced by a
// Simulator. RMS values are in raw AFE counts.
type SimulatorConfig struct {
	LineFrequency int
	CurrentRMS    float64
	GroundRMS     float64
	VoltageRMS    float64
	// Third harmonic amplitude as a fraction of the fundamental.
	ThirdHarmonic float64
	// ADCLag is the fraction of a sample period by which the ADC paths
	// lag the AFE.
	ADCLag float64
	// ADCGainRatio is the high-gain / low-gain ratio.
	ADCGainRatio float64
	// ADCSaturation is the high-gain clipping level in counts.
	ADCSaturation int32
	// StableAfter is the number of ticks before the front end reports
	// a stable clock.
	StableAfter uint64
	// FaultAt starts a phase A fault of FaultRMS counts; zero disables.
	FaultAt       uint64
	FaultRMS      float64
	FaultDuration uint64
}

// DefaultSimulatorConfig is a balanced 60 Hz load.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		LineFrequency: 60,
		CurrentRMS:    1000,
		GroundRMS:     5,
		VoltageRMS:    2770,
		ADCLag:        0.25,
		ADCGainRatio:  8,
		ADCSaturation: 30000,
		StableAfter:   4,
	}
}

// Simulator is a deterministic three-phase Source.
type Simulator struct {
	cfg   SimulatorConfig
	omega float64
	n     uint64
}

// NewSimulator returns a Simulator positioned at tick zero.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.LineFrequency == 0 {
		cfg.LineFrequency = 60
	}
	if cfg.ADCGainRatio == 0 {
		cfg.ADCGainRatio = 1
	}

	return &Simulator{
		cfg:   cfg,
		omega: 2 * math.Pi * float64(cfg.LineFrequency) / SampleRate,
	}
}

// Ticks returns the number of samples produced so far.
func (s *Simulator) Ticks() uint64 {
	return s.n
}

// Next implements Source.
func (s *Simulator) Next() (Sample, bool) {
	n := s.n
	s.n++

	var out Sample
	t := float64(n)

	phaseA := s.cfg.CurrentRMS
	if s.faultActive(n) {
		phaseA = s.cfg.FaultRMS
	}

	rmsByPhase := [3]float64{phaseA, s.cfg.CurrentRMS, s.cfg.CurrentRMS}
	var neutral float64
	for p := 0; p < 3; p++ {
		shift := float64(p) * 2 * math.Pi / 3
		v := s.wave(rmsByPhase[p], t, shift)
		out.AFE[p] = toCounts(v)
		neutral += v

		adc := s.wave(rmsByPhase[p], t+s.cfg.ADCLag, shift)
		out.HighGain[p], out.LowGain[p] = s.adcPaths(adc)
	}
	out.AFE[In] = toCounts(neutral)
	hg, lg := s.adcPaths(s.neutralAt(rmsByPhase, t+s.cfg.ADCLag))
	out.HighGain[In], out.LowGain[In] = hg, lg
	out.AFE[Ig] = toCounts(s.cfg.GroundRMS * math.Sqrt2 * math.Sin(s.omega*t))

	for p := 0; p < 3; p++ {
		shift := float64(p) * 2 * math.Pi / 3
		out.AFE[int(Van)+p] = toCounts(s.cfg.VoltageRMS * math.Sqrt2 * math.Sin(s.omega*t-shift))
	}

	return out, n >= s.cfg.StableAfter
}

func (s *Simulator) faultActive(n uint64) bool {
	if s.cfg.FaultAt == 0 || n < s.cfg.FaultAt {
		return false
	}

	return s.cfg.FaultDuration == 0 || n < s.cfg.FaultAt+s.cfg.FaultDuration
}

// wave returns fundamental plus third harmonic at fractional tick t.
// The fundamental amplitude is scaled so the total RMS equals rms.
func (s *Simulator) wave(rms, t, shift float64) float64 {
	h := s.cfg.ThirdHarmonic
	peak := rms * math.Sqrt2 / math.Sqrt(1+h*h)
	angle := s.omega*t - shift

	return peak * (math.Sin(angle) + h*math.Sin(3*angle))
}

func (s *Simulator) neutralAt(rms [3]float64, t float64) float64 {
	var sum float64
	for p := 0; p < 3; p++ {
		sum += s.wave(rms[p], t, float64(p)*2*math.Pi/3)
	}

	return sum
}

func (s *Simulator) adcPaths(v float64) (int32, int32) {
	high := toCounts(v)
	if sat := s.cfg.ADCSaturation; sat > 0 {
		if high > sat {
			high = sat
		} else if high < -sat {
			high = -sat
		}
	}

	return high, toCounts(v / s.cfg.ADCGainRatio)
}

func toCounts(v float64) int32 {
	switch {
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}

	return int32(math.Round(v))
}
