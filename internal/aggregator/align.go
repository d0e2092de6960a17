package aggregator

import "codeberg.org/mutker/tripunit/internal/sample"

// aligner interpolates the ADC paths onto the AFE sampling instant. Both
// gain paths need one previous sample, which the SeedHighGain and
// SeedLowGain states provide.
type aligner struct {
	weight     float64 // 1 - lag
	gainRatio  float64
	saturation int32
	prevHigh   [sample.NumADCChannels]int32
	prevLow    [sample.NumADCChannels]int32
}

func newAligner(cfg Config) aligner {
	return aligner{
		weight:     1 - cfg.ADCLag,
		gainRatio:  cfg.ADCGainRatio,
		saturation: cfg.ADCSaturation,
	}
}

func (a *aligner) seedHigh(s *sample.Sample) {
	a.prevHigh = s.HighGain
}

func (a *aligner) seedLow(s *sample.Sample) {
	a.prevLow = s.LowGain
	a.prevHigh = s.HighGain
}

// align writes the aligned ADC currents for s into out and advances the
// previous-sample state.
func (a *aligner) align(s *sample.Sample, out *[sample.NumADCChannels]float64) {
	for ch := 0; ch < sample.NumADCChannels; ch++ {
		prev, cur := float64(a.prevHigh[ch]), float64(s.HighGain[ch])
		if a.saturated(a.prevHigh[ch]) || a.saturated(s.HighGain[ch]) {
			prev = float64(a.prevLow[ch]) * a.gainRatio
			cur = float64(s.LowGain[ch]) * a.gainRatio
		}
		out[ch] = prev + a.weight*(cur-prev)
	}
	a.prevHigh = s.HighGain
	a.prevLow = s.LowGain
}

func (a *aligner) saturated(v int32) bool {
	if a.saturation <= 0 {
		return false
	}

	return v >= a.saturation || v <= -a.saturation
}
