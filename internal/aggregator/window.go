package aggregator

import "codeberg.org/mutker/tripunit/internal/sample"

// slidingWindow keeps the sum of the most recent length squared
// magnitudes. sum always equals the sum of history[:count].
type slidingWindow struct {
	history [sample.MaxSamplesPerCycle]uint64
	length  int
	pos     int
	count   int
	sum     uint64
	sav     uint64
}

// add pushes sq, evicting the oldest value once the window is full, and
// reports whether this tick completed a window. sq is at most
// MaxScaled*MaxScaled, so neither the add nor the subtract can wrap.
func (w *slidingWindow) add(sq uint64) bool {
	if w.count == w.length {
		w.sum -= w.history[w.pos]
	} else {
		w.count++
	}
	w.history[w.pos] = sq
	w.sum += sq

	w.pos++
	if w.pos < w.length {
		return false
	}
	w.pos = 0
	w.sav = w.sum

	return true
}

func (w *slidingWindow) reset(length int) {
	*w = slidingWindow{length: length}
}

// kahan is a compensated float64 accumulator.
type kahan struct {
	sum float64
	c   float64
}

func (k *kahan) add(x float64) {
	y := x - k.c
	t := k.sum + y
	k.c = (t - k.sum) - y
	k.sum = t
}

// tumblingWindow accumulates length values, publishes, then restarts.
type tumblingWindow struct {
	acc    kahan
	length int
	count  int
	sav    float64
}

func (w *tumblingWindow) add(x float64) bool {
	w.acc.add(x)
	w.count++
	if w.count < w.length {
		return false
	}
	w.sav = w.acc.sum
	w.acc = kahan{}
	w.count = 0

	return true
}

func (w *tumblingWindow) reset(length int) {
	*w = tumblingWindow{length: length}
}
