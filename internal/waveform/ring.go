package waveform

import (
	"sync/atomic"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/sample"
)

type slot [sample.Width]atomic.Int32

// RingBuffer continuously records flattened samples. Record is called
// only from the sampling context; Read may be called from the
// background context at any time.
type RingBuffer struct {
	slots   []slot
	length  uint64
	spc     int
	written atomic.Uint64
}

// NewRingBuffer sizes the buffer for totalCycles of capture plus
// marginCycles of slack.
func NewRingBuffer(samplesPerCycle, totalCycles, marginCycles int) *RingBuffer {
	length := (totalCycles + marginCycles) * samplesPerCycle

	return &RingBuffer{
		slots:  make([]slot, length),
		length: uint64(length),
		spc:    samplesPerCycle,
	}
}

// Len returns the number of slots.
func (r *RingBuffer) Len() int {
	return int(r.length)
}

// SamplesPerCycle returns the cycle length the buffer was sized with.
func (r *RingBuffer) SamplesPerCycle() int {
	return r.spc
}

// Record stores s in the slot under the cursor and advances the cursor
// by exactly one slot. It returns the new absolute cursor.
func (r *RingBuffer) Record(s *sample.Sample) uint64 {
	n := r.written.Load()
	dst := &r.slots[n%r.length]

	var flat [sample.Width]int32
	s.Flatten(&flat)
	for i := range flat {
		dst[i].Store(flat[i])
	}
	r.written.Store(n + 1)

	return n + 1
}

// Written is the absolute cursor: the number of samples recorded so far.
func (r *RingBuffer) Written() uint64 {
	return r.written.Load()
}

// Cursor is the slot index that will receive the next sample.
func (r *RingBuffer) Cursor() int {
	return int(r.written.Load() % r.length)
}

// Index maps an absolute sample position to its slot.
func (r *RingBuffer) Index(abs int64) int {
	l := int64(r.length)

	return int(((abs % l) + l) % l)
}

// Read copies the sample at absolute position abs into dst. It returns
// false when abs has not been recorded yet. Positions before the first
// recorded sample read as zero. An error carrying ErrSampleOverrun means
// the cursor lapped abs before or while it was read.
func (r *RingBuffer) Read(abs int64, dst *[sample.Width]int32) (bool, error) {
	written := r.written.Load()
	if abs >= 0 && uint64(abs) >= written {
		return false, nil
	}
	if r.lapped(abs, written) {
		return false, r.overrun(abs, written)
	}

	if abs < 0 {
		*dst = [sample.Width]int32{}
	} else {
		src := &r.slots[uint64(abs)%r.length]
		for i := range dst {
			dst[i] = src[i].Load()
		}
	}

	// The slot is overwritten once the writer starts on abs+length.
	if after := r.written.Load(); r.lapped(abs, after) {
		return false, r.overrun(abs, after)
	}

	return true, nil
}

func (r *RingBuffer) lapped(abs int64, written uint64) bool {
	return int64(written) >= abs+int64(r.length)
}

func (r *RingBuffer) overrun(abs int64, written uint64) error {
	return errors.New().WithData(errors.ErrSampleOverrun, struct {
		Position int64
		Cursor   uint64
		Length   uint64
	}{
		Position: abs,
		Cursor:   written,
		Length:   r.length,
	})
}
