package aggregator

import (
	"math"
	"math/bits"
)

// ValidNeutralRatio reports whether ratio is a supported neutral sensor
// ratio in percent.
func ValidNeutralRatio(ratio int) bool {
	switch ratio {
	case 0, 60, 100, 200:
		return true
	default:
		return false
	}
}

// ScaleNeutralSOS rescales a neutral sum of squares by (100/ratio)^2.
// A ratio of zero removes the neutral and returns 0. The result
// saturates at math.MaxUint64.
func ScaleNeutralSOS(sos uint64, ratio int) uint64 {
	switch {
	case ratio <= 0:
		return 0
	case ratio == 100:
		return sos
	}

	div := uint64(ratio) * uint64(ratio)
	hi, lo := bits.Mul64(sos, 100*100)
	if hi >= div {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, div)

	return q
}

// ScaleNeutralSample rescales a raw neutral sample by 100/ratio with
// the same zero and saturation rules as ScaleNeutralSOS.
func ScaleNeutralSample(v int32, ratio int) int32 {
	switch {
	case ratio <= 0:
		return 0
	case ratio == 100:
		return v
	}

	scaled := int64(v) * 100 / int64(ratio)
	switch {
	case scaled > math.MaxInt32:
		return math.MaxInt32
	case scaled < math.MinInt32:
		return math.MinInt32
	}

	return int32(scaled)
}
