package waveform

import (
	"sync/atomic"
	"time"

	"codeberg.org/mutker/tripunit/internal/sample"
)

// Job describes one granted capture region.
type Job struct {
	Kind Kind
	// Seq counts grants for this kind, starting at 1.
	Seq            uint32
	PreEventCycles int
	// StartIndex is the slot holding the first sample of the region.
	StartIndex int
	// StartAbs is the absolute sample position of StartIndex. It is
	// negative when fewer than PreEventCycles were recorded.
	StartAbs int64
	Length   int
	// TriggerTime is the sample time of the cursor at the granting tick
	// and Timestamp the sample time of the first sample in the region.
	TriggerTime time.Duration
	Timestamp   time.Duration
}

// EndAbs is one past the absolute position of the last sample.
func (j *Job) EndAbs() int64 {
	return j.StartAbs + int64(j.Length)
}

// Every word below has exactly one writing context, noted per field.
// Requested is requestSeq != clearSeq; Acked is ackSeq != ackClearSeq.
type captureState struct {
	requestSeq    atomic.Uint32 // requester
	requestCycles atomic.Int32  // requester
	clearSeq      atomic.Uint32 // event manager
	inProgress    atomic.Bool   // arbiter
	grantSeq      atomic.Uint32 // arbiter
	job           Job           // arbiter, published by grantSeq
	ackSeq        atomic.Uint32 // writer
	ackClearSeq   atomic.Uint32 // event manager
	collisions    atomic.Uint64 // requester
}

func (c *captureState) requested() bool {
	return c.requestSeq.Load() != c.clearSeq.Load()
}

func (c *captureState) acked() bool {
	return c.ackSeq.Load() != c.ackClearSeq.Load()
}

type shared struct {
	kinds   [NumKinds]captureState
	offsets [MaxPreEventCycles + 1]time.Duration
	spc     int
	length  int
	region  int
}

// Status is a read-only view of one kind's flags.
type Status struct {
	Requested  bool
	InProgress bool
	Acked      bool
	Collisions uint64
}

func (s *shared) status(k Kind) Status {
	c := &s.kinds[k]

	return Status{
		Requested:  c.requested(),
		InProgress: c.inProgress.Load(),
		Acked:      c.acked(),
		Collisions: c.collisions.Load(),
	}
}

// Arbiter grants at most one capture per tick. Only the sampling
// context may hold it.
type Arbiter struct {
	s *shared
}

// Requester raises capture requests. It shares the sampling context
// with the Arbiter; other contexts forward requests through it.
type Requester struct {
	s *shared
}

// WriterHandle lets the nonvolatile writer acknowledge finished jobs.
type WriterHandle struct {
	s *shared
}

// EventHandle lets the event manager observe grants and clear flags.
type EventHandle struct {
	s *shared
}

// Handles bundles the per-context views of one arbiter.
type Handles struct {
	Arbiter   *Arbiter
	Requester *Requester
	Writer    *WriterHandle
	Events    *EventHandle
}

// NewArbiter builds an arbiter for a ring buffer of the given cycle
// length. Timestamp offsets for every valid setpoint are computed here
// so the sampling path never divides.
func NewArbiter(lineFrequency int) (*Handles, error) {
	spc, err := sample.SamplesPerCycle(lineFrequency)
	if err != nil {
		return nil, err
	}

	s := &shared{
		spc:    spc,
		length: (TotalCycles + MarginCycles) * spc,
		region: TotalCycles * spc,
	}
	for n := MinPreEventCycles; n <= MaxPreEventCycles; n++ {
		s.offsets[n] = time.Duration(n) * time.Second / time.Duration(lineFrequency)
	}

	return &Handles{
		Arbiter:   &Arbiter{s: s},
		Requester: &Requester{s: s},
		Writer:    &WriterHandle{s: s},
		Events:    &EventHandle{s: s},
	}, nil
}

// Offset returns the precomputed pre-event offset for a setpoint.
func (a *Arbiter) Offset(preEventCycles int) time.Duration {
	return a.s.offsets[preEventCycles]
}

// Arbitrate retires finished captures and grants the highest-priority
// pending request. cursorAbs is the absolute cursor after the current
// sample was recorded and now is the sample time of cursorAbs.
func (a *Arbiter) Arbitrate(cursorAbs uint64, now time.Duration) (Kind, bool) {
	s := a.s
	for k := range s.kinds {
		c := &s.kinds[k]
		if c.inProgress.Load() && !c.requested() {
			c.inProgress.Store(false)
		}
	}

	for k := Trip; k < NumKinds; k++ {
		c := &s.kinds[k]
		if !c.requested() || c.inProgress.Load() {
			continue
		}
		a.grant(k, c, cursorAbs, now)

		return k, true
	}

	return NumKinds, false
}

func (a *Arbiter) grant(k Kind, c *captureState, cursorAbs uint64, now time.Duration) {
	s := a.s
	pre := int(c.requestCycles.Load())
	back := int64(pre * s.spc)
	start := int64(cursorAbs) - back
	l := int64(s.length)

	seq := c.grantSeq.Load() + 1
	c.job = Job{
		Kind:           k,
		Seq:            seq,
		PreEventCycles: pre,
		StartIndex:     int((int64(cursorAbs%uint64(l)) + int64(MarginCycles*s.spc) + int64(s.region) - back) % l),
		StartAbs:       start,
		Length:         s.region,
		TriggerTime:    now,
		Timestamp:      now - s.offsets[pre],
	}
	c.grantSeq.Store(seq)
	c.inProgress.Store(true)
}

// Status returns the flags of kind k.
func (a *Arbiter) Status(k Kind) Status {
	return a.s.status(k)
}

// Request asks for a capture of kind k with the given number of
// pre-event cycles.
func (r *Requester) Request(k Kind, preEventCycles int) RequestResult {
	if !k.Valid() || !ValidPreEventCycles(preEventCycles) {
		return Invalid
	}

	c := &r.s.kinds[k]
	if c.inProgress.Load() {
		c.collisions.Add(1)

		return Collision
	}
	if c.requested() {
		return Pending
	}

	c.requestCycles.Store(int32(preEventCycles))
	c.requestSeq.Add(1)

	return Accepted
}

// Status returns the flags of kind k.
func (r *Requester) Status(k Kind) Status {
	return r.s.status(k)
}

// Ack marks job as durably stored.
func (w *WriterHandle) Ack(job *Job) {
	w.s.kinds[job.Kind].ackSeq.Store(job.Seq)
}

// Granted returns the job most recently granted for k when its sequence
// differs from seen. A returned job stays stable until the event
// manager clears its request.
func (e *EventHandle) Granted(k Kind, seen uint32) (Job, bool) {
	c := &e.s.kinds[k]
	if c.grantSeq.Load() == seen {
		return Job{}, false
	}

	return c.job, true
}

// Acked reports whether the writer acknowledged the current job of k.
func (e *EventHandle) Acked(k Kind) bool {
	return e.s.kinds[k].acked()
}

// ClearAck lowers the acknowledgement of k.
func (e *EventHandle) ClearAck(k Kind) {
	c := &e.s.kinds[k]
	c.ackClearSeq.Store(c.ackSeq.Load())
}

// ClearRequest lowers the request of k so the arbiter retires it.
func (e *EventHandle) ClearRequest(k Kind) {
	c := &e.s.kinds[k]
	c.clearSeq.Store(c.requestSeq.Load())
}

// Status returns the flags of kind k.
func (e *EventHandle) Status(k Kind) Status {
	return e.s.status(k)
}
