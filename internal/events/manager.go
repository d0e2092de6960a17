package events

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/tripunit/internal/logger"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/store"
	"codeberg.org/mutker/tripunit/internal/waveform"
)

// Submitter accepts granted jobs for storage. *nvwriter.Writer
// implements it.
type Submitter interface {
	Submit(job waveform.Job, header store.CaptureHeader)
}

// Event is one capture handled by the manager.
type Event struct {
	ID          int64
	Kind        waveform.Kind
	FirstSample time.Time
	TriggerTime time.Time
	Granted     time.Time
	Stored      time.Time
}

type pending struct {
	active bool
	event  Event
}

// Manager assigns event ids to granted captures and clears their flags
// once the writer acknowledged them. It runs in the background context.
type Manager struct {
	handle        *waveform.EventHandle
	writer        Submitter
	logger        logger.Logger
	epoch         time.Time
	lineFrequency int
	nextID        int64
	seen          [waveform.NumKinds]uint32
	pending       [waveform.NumKinds]pending
	now           func() time.Time

	mu     sync.Mutex
	recent []Event
}

const recentEvents = 32

// NewManager creates a Manager whose first event id is firstID. epoch
// is the wall time of sample zero.
func NewManager(handle *waveform.EventHandle, writer Submitter, epoch time.Time, lineFrequency int, firstID int64, log logger.Logger) *Manager {
	return &Manager{
		handle:        handle,
		writer:        writer,
		logger:        log,
		epoch:         epoch,
		lineFrequency: lineFrequency,
		nextID:        firstID,
		now:           time.Now,
	}
}

// Step polls every kind once.
func (m *Manager) Step(_ context.Context) {
	for k := waveform.Trip; k < waveform.NumKinds; k++ {
		p := &m.pending[k]
		if !p.active {
			m.pickUp(k, p)
			continue
		}

		if m.handle.Acked(k) {
			m.handle.ClearAck(k)
			m.handle.ClearRequest(k)
			p.active = false
			p.event.Stored = m.now()
			m.remember(p.event)

			m.logger.Info().
				Int64("event_id", p.event.ID).
				Str("kind", k.String()).
				Time("first_sample", p.event.FirstSample).
				Dur("write_time", p.event.Stored.Sub(p.event.Granted)).
				Msg("Capture stored")
		}
	}
}

func (m *Manager) pickUp(k waveform.Kind, p *pending) {
	job, ok := m.handle.Granted(k, m.seen[k])
	if !ok {
		return
	}
	m.seen[k] = job.Seq

	id := m.nextID
	m.nextID++

	first := m.epoch.Add(job.Timestamp)
	trigger := m.epoch.Add(job.TriggerTime)
	p.active = true
	p.event = Event{
		ID:          id,
		Kind:        k,
		FirstSample: first,
		TriggerTime: trigger,
		Granted:     m.now(),
	}

	m.writer.Submit(job, store.CaptureHeader{
		EventID:        id,
		Kind:           k.String(),
		PreEventCycles: job.PreEventCycles,
		LineFrequency:  m.lineFrequency,
		SampleRate:     sample.SampleRate,
		Samples:        job.Length,
		Channels:       sample.Columns(),
		StartIndex:     job.StartIndex,
		StartAbs:       job.StartAbs,
		FirstSample:    first.UnixNano(),
		TriggerTime:    trigger.UnixNano(),
	})

	m.logger.Info().
		Int64("event_id", id).
		Str("kind", k.String()).
		Int("start_index", job.StartIndex).
		Int("pre_event_cycles", job.PreEventCycles).
		Msg("Capture granted")
}

func (m *Manager) remember(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.recent) == recentEvents {
		copy(m.recent, m.recent[1:])
		m.recent = m.recent[:recentEvents-1]
	}
	m.recent = append(m.recent, e)
}

// Recent returns the last stored events, oldest first. Safe to call
// from any goroutine.
func (m *Manager) Recent() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Event(nil), m.recent...)
}

// Pending reports whether a capture of kind k awaits its Ack.
func (m *Manager) Pending(k waveform.Kind) bool {
	return m.pending[k].active
}
