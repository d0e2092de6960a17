package nvwriter

import (
	"context"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/logger"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/store"
	"codeberg.org/mutker/tripunit/internal/waveform"
	"github.com/zeebo/blake3"
)

// Storage persists capture pages. *store.Store implements it.
type Storage interface {
	BeginCapture(ctx context.Context, h *store.CaptureHeader) error
	WritePage(ctx context.Context, eventID int64, index int, raw []byte) error
	CompleteCapture(ctx context.Context, eventID int64, pages int, checksum [32]byte) error
}

type Config struct {
	SamplesPerPage int
	PagesPerStep   int
}

func DefaultConfig() Config {
	return Config{
		SamplesPerPage: 64,
		PagesPerStep:   4,
	}
}

func (c Config) Validate() error {
	if c.SamplesPerPage <= 0 || c.PagesPerStep <= 0 {
		return errors.New().WithMessage(errors.ErrInvalidConfig, "writer pages must be positive")
	}
	return nil
}

// SamplesPerStep is the writer throughput per background invocation.
func (c Config) SamplesPerStep() int {
	return c.SamplesPerPage * c.PagesPerStep
}

type activeJob struct {
	job    waveform.Job
	header store.CaptureHeader
	next   int64
	pages  int
	begun  bool
	hasher *blake3.Hasher
}

// Writer streams granted capture regions from the ring buffer to
// Storage. It runs in the background context only.
type Writer struct {
	cfg     Config
	ring    *waveform.RingBuffer
	handle  *waveform.WriterHandle
	storage Storage
	logger  logger.Logger
	active  []*activeJob
	page    []byte
	scratch [sample.Width]int32
	stored  uint64
}

func New(cfg Config, ring *waveform.RingBuffer, handle *waveform.WriterHandle, storage Storage, log logger.Logger) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Writer{
		cfg:     cfg,
		ring:    ring,
		handle:  handle,
		storage: storage,
		logger:  log,
		page:    make([]byte, 0, cfg.SamplesPerPage*store.SampleBytes),
	}, nil
}

// Submit queues a granted job. header carries the event id and
// metadata assigned by the event manager.
func (w *Writer) Submit(job waveform.Job, header store.CaptureHeader) {
	header.SamplesPerPage = w.cfg.SamplesPerPage
	w.active = append(w.active, &activeJob{
		job:    job,
		header: header,
		next:   job.StartAbs,
		hasher: blake3.New(),
	})
}

// Active returns the number of unfinished jobs.
func (w *Writer) Active() int {
	return len(w.active)
}

// Stored returns the number of captures completed so far.
func (w *Writer) Stored() uint64 {
	return w.stored
}

// Step writes at most PagesPerStep pages and acknowledges every job it
// finishes. Pages are handed out one at a time, round robin over the
// active jobs: a served job moves behind the others, so with k jobs
// each one gets a page at least every ceil(k/PagesPerStep) steps. A job
// waiting for its next page to be recorded passes its turn on. An error
// carrying errors.ErrSampleOverrun is fatal; other errors leave the job
// to be retried on the next step.
func (w *Writer) Step(ctx context.Context) error {
	for budget := w.cfg.PagesPerStep; budget > 0; {
		served := false
		for i := 0; i < len(w.active); i++ {
			wrote, done, err := w.advance(ctx, w.active[i])
			if err != nil {
				return err
			}
			if done {
				w.remove(i)
			} else if wrote {
				w.requeue(i)
			}
			if wrote {
				budget--
				served = true
				break
			}
			if done {
				i--
			}
		}
		if !served {
			return nil
		}
	}

	return nil
}

func (w *Writer) remove(i int) {
	last := len(w.active) - 1
	copy(w.active[i:], w.active[i+1:])
	w.active[last] = nil
	w.active = w.active[:last]
}

func (w *Writer) requeue(i int) {
	j := w.active[i]
	copy(w.active[i:], w.active[i+1:])
	w.active[len(w.active)-1] = j
}

// advance writes at most one page of j and completes j once its whole
// region is stored.
func (w *Writer) advance(ctx context.Context, j *activeJob) (wrote, done bool, err error) {
	if !j.begun {
		if err := w.storage.BeginCapture(ctx, &j.header); err != nil {
			return false, false, err
		}
		j.begun = true
	}

	end := j.job.EndAbs()
	if j.next < end {
		pageEnd := min(j.next+int64(w.cfg.SamplesPerPage), end)
		if int64(w.ring.Written()) < pageEnd {
			return false, false, nil
		}

		w.page = w.page[:0]
		for abs := j.next; abs < pageEnd; abs++ {
			ok, err := w.ring.Read(abs, &w.scratch)
			if err != nil {
				w.logger.Error().Err(err).
					Int64("event_id", j.header.EventID).
					Msg("Capture region overwritten before it was stored")
				return false, false, err
			}
			if !ok {
				return false, false, nil
			}
			w.page = w.page[:len(w.page)+store.SampleBytes]
			store.PutSample(w.page[len(w.page)-store.SampleBytes:], &w.scratch)
		}

		if err := w.storage.WritePage(ctx, j.header.EventID, j.pages, w.page); err != nil {
			return false, false, err
		}
		j.hasher.Write(w.page)
		j.pages++
		j.next = pageEnd
		wrote = true

		if j.next < end {
			return true, false, nil
		}
	}

	var sum [32]byte
	copy(sum[:], j.hasher.Sum(nil))
	if err := w.storage.CompleteCapture(ctx, j.header.EventID, j.pages, sum); err != nil {
		return wrote, false, err
	}

	w.handle.Ack(&j.job)
	w.stored++
	w.logger.Debug().
		Int64("event_id", j.header.EventID).
		Str("kind", j.job.Kind.String()).
		Int("pages", j.pages).
		Msg("Capture written")

	return wrote, true, nil
}
