// Package pipeline wires the sampling context and the background
// context together.
//
// Tick and Process belong to the sampling context and never allocate.
// Background belongs to the background context. The two only meet
// through the waveform arbiter handles, the waveform ring buffer and the
// snapshot queues, so neither side takes a lock.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/tripunit/internal/aggregator"
	"codeberg.org/mutker/tripunit/internal/config"
	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/events"
	"codeberg.org/mutker/tripunit/internal/logger"
	"codeberg.org/mutker/tripunit/internal/metering"
	"codeberg.org/mutker/tripunit/internal/nvwriter"
	"codeberg.org/mutker/tripunit/internal/peak"
	"codeberg.org/mutker/tripunit/internal/protection"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/waveform"
)

// maxBatch bounds how many samples the sampling goroutine processes per
// wake-up when it has fallen behind the sample clock.
const maxBatch = sample.SampleRate / 10

// Options carries the collaborators that outlive a Pipeline.
type Options struct {
	Source   sample.Source
	Storage  nvwriter.Storage
	Metering metering.Collector
	// Epoch is the wall time of sample zero.
	Epoch time.Time
	// FirstEventID is the id given to the first capture.
	FirstEventID int64
}

type Pipeline struct {
	cfg    *config.Config
	source sample.Source
	logger logger.Logger

	// Sampling context.
	agg     *aggregator.Aggregator
	peaks   *peak.Tracker
	ring    *waveform.RingBuffer
	trigger *protection.Trigger
	arbiter *waveform.Arbiter
	n       uint64
	blank   sample.Sample

	// Background context.
	events    *events.Manager
	writer    *nvwriter.Writer
	metering  metering.Collector
	seenState  aggregator.State
	stored     uint64
	overflows  uint64
	collisions [waveform.NumKinds]uint64

	samples atomic.Uint64
	state   atomic.Int32
	status  *waveform.EventHandle
}

// New builds every component from cfg.
func New(cfg *config.Config, opts Options, log logger.Logger) (*Pipeline, error) {
	errFactory := errors.New()

	if opts.Source == nil || opts.Storage == nil {
		return nil, errFactory.WithMessage(errors.ErrInitApp, "pipeline needs a source and a storage")
	}
	if opts.Metering == nil {
		collector, err := metering.NewService(metering.Config{}, nil, log)
		if err != nil {
			return nil, err
		}
		opts.Metering = collector
	}
	if opts.Epoch.IsZero() {
		opts.Epoch = time.Now()
	}

	agg, err := aggregator.New(cfg.Aggregator())
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	peaks, err := peak.New(cfg.Sampling.LineFrequency, 0)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	handles, err := waveform.NewArbiter(cfg.Sampling.LineFrequency)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	trigger, err := protection.New(cfg.Protection(), cfg.Sampling.LineFrequency, handles.Requester)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	ring := waveform.NewRingBuffer(agg.SamplesPerCycle(), waveform.TotalCycles, waveform.MarginCycles)
	writer, err := nvwriter.New(cfg.NVWriter(), ring, handles.Writer, opts.Storage, log.With("nvwriter"))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	manager := events.NewManager(handles.Events, writer, opts.Epoch, cfg.Sampling.LineFrequency,
		opts.FirstEventID, log.With("events"))

	p := &Pipeline{
		cfg:      cfg,
		source:   opts.Source,
		logger:   log,
		agg:      agg,
		peaks:    peaks,
		ring:     ring,
		trigger:  trigger,
		arbiter:  handles.Arbiter,
		events:   manager,
		writer:   writer,
		metering: opts.Metering,
		status:   handles.Events,
	}
	p.state.Store(int32(agg.State()))
	p.seenState = agg.State()

	return p, nil
}

// Tick pulls one sample from the source and processes it.
func (p *Pipeline) Tick() {
	s, stable := p.source.Next()
	p.Process(&s, stable)
}

// Process runs one sample through the sampling context: aggregation,
// peak tracking, recording, trigger evaluation and arbitration. The ring
// advances one slot on every call so that ring positions stay sample
// indices; while the aggregator is not Steady the slot is zeroed.
func (p *Pipeline) Process(s *sample.Sample, stable bool) {
	p.n++
	// The cursor after this sample is p.n.
	now := sample.Time(p.n)

	wasValid := p.agg.Valid()
	pub := p.agg.Tick(s, stable)
	if state := p.agg.State(); int32(state) != p.state.Load() {
		p.state.Store(int32(state))
	}
	p.samples.Store(p.n)

	var cursor uint64
	if pub.Valid {
		p.peaks.Add(s)
		cursor = p.ring.Record(s)
	} else {
		if wasValid {
			p.peaks.Reset()
		}
		cursor = p.ring.Record(&p.blank)
	}

	p.trigger.Evaluate(pub)
	p.arbiter.Arbitrate(cursor, now)
}

// Background runs one background invocation: event bookkeeping, capture
// writing and metering. A returned error is fatal.
func (p *Pipeline) Background(ctx context.Context) error {
	p.logState()
	p.logCounters()

	p.events.Step(ctx)
	if err := p.writer.Step(ctx); err != nil {
		if errors.HasCode(err, errors.ErrSampleOverrun) {
			return errors.New().Wrap(errors.ErrBackground, err)
		}
		p.logger.Warn().Err(err).Msg("Capture write failed, retrying")
	}
	if stored := p.writer.Stored(); stored != p.stored {
		p.stored = stored
		// Pick up the ack without waiting a full interval.
		p.events.Step(ctx)
	}

	for {
		res, ok := p.peaks.Results().Pop()
		if !ok {
			break
		}
		p.metering.ObserveCycle(&res)
	}
	for {
		snap, ok := p.agg.Snapshots().Pop()
		if !ok {
			break
		}
		if err := p.metering.Collect(ctx, &snap); err != nil {
			p.logger.Warn().Err(err).Uint64("seq", snap.Seq).Msg("Failed to collect metering")
		}
	}

	return nil
}

func (p *Pipeline) logState() {
	state := aggregator.State(p.state.Load())
	if state == p.seenState {
		return
	}

	if state == aggregator.Steady {
		p.logger.Info().Uint64("samples", p.samples.Load()).Msg("Sampling steady")
	} else if p.seenState == aggregator.Steady {
		err := errors.New().WithData(errors.ErrClockNotStable, state.String())
		p.logger.WarnWithCode(err).Msg("Sample clock lost, resynchronizing")
	}
	p.seenState = state
}

// logCounters reports clamped magnitudes and rejected capture requests
// seen since the previous invocation.
func (p *Pipeline) logCounters() {
	errFactory := errors.New()

	if n := p.agg.Overflows(); n != p.overflows {
		p.logger.WarnWithCode(errFactory.WithData(errors.ErrScaleOverflow, n-p.overflows)).
			Uint64("total", n).
			Msg("Protection magnitudes clamped")
		p.overflows = n
	}

	for k := waveform.Trip; k < waveform.NumKinds; k++ {
		n := p.trigger.Count(k, waveform.Collision)
		if n == p.collisions[k] {
			continue
		}
		p.logger.WarnWithCode(errFactory.WithData(errors.ErrCaptureCollision, k.String())).
			Uint64("rejected", n-p.collisions[k]).
			Msg("Capture request rejected")
		p.collisions[k] = n
	}
}

// RequestExtended asks for an extended capture. Safe from any goroutine.
func (p *Pipeline) RequestExtended() {
	p.trigger.RequestExtended()
}

// Samples returns the number of samples processed. Safe from any
// goroutine.
func (p *Pipeline) Samples() uint64 {
	return p.samples.Load()
}

// State returns the aggregator state. Safe from any goroutine.
func (p *Pipeline) State() aggregator.State {
	return aggregator.State(p.state.Load())
}

// Events returns the most recently stored captures.
func (p *Pipeline) Events() []events.Event {
	return p.events.Recent()
}

// Status returns the capture flags of kind k.
func (p *Pipeline) Status(k waveform.Kind) waveform.Status {
	return p.status.Status(k)
}

// RequestCount returns how many trigger requests of kind k ended with res.
func (p *Pipeline) RequestCount(k waveform.Kind, res waveform.RequestResult) uint64 {
	return p.trigger.Count(k, res)
}

// Overflows returns the number of clamped protection magnitudes.
func (p *Pipeline) Overflows() uint64 {
	return p.agg.Overflows()
}
