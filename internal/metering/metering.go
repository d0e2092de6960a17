package metering

import (
	"context"
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/tripunit/internal/aggregator"
	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/logger"
	"codeberg.org/mutker/tripunit/internal/peak"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/store"
	"gonum.org/v1/gonum/floats"
)

// Collector consumes sub-interval snapshots and cycle results in the
// background context.
type Collector interface {
	Collect(ctx context.Context, snap *aggregator.SubIntervalSnapshot) error
	ObserveCycle(res *peak.CycleResult)
	Latest() (store.MeteringRecord, bool)
	Close() error
}

type service struct {
	repo   store.MeteringRepository
	cfg    Config
	logger logger.Logger
	now    func() time.Time

	thd [3]float64
	pf  [3]float64

	mu     sync.Mutex
	latest store.MeteringRecord
	have   bool
}

// No-op implementation
type noopCollector struct{}

// NewService returns a Collector persisting through st, or a no-op
// collector when metering is disabled.
func NewService(cfg Config, st *store.Store, log logger.Logger) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(errors.ErrInitMetering, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Metering disabled, using no-op collector")
		return &noopCollector{}, nil
	}
	if st == nil {
		return nil, errFactory.WithMessage(errors.ErrInitMetering, "metering needs a store")
	}

	log.Debug().
		Float64("current_scale", cfg.CurrentScale).
		Float64("voltage_scale", cfg.VoltageScale).
		Msg("Metering service initialized")

	return &service{
		repo:   st.NewMeteringRepository(log),
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}, nil
}

func (s *service) Collect(ctx context.Context, snap *aggregator.SubIntervalSnapshot) error {
	errFactory := errors.New()

	if snap == nil {
		return errFactory.New(errors.ErrInvalidArgument)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	default:
	}

	rec := Compute(snap, s.cfg)
	rec.Timestamp = s.now()
	rec.THD = s.thd
	rec.PowerFactor = s.pf

	s.mu.Lock()
	s.latest, s.have = rec, true
	s.mu.Unlock()

	if err := s.repo.Record(&rec); err != nil {
		return errFactory.Wrap(errors.ErrCollectMetering, err)
	}

	return nil
}

func (s *service) ObserveCycle(res *peak.CycleResult) {
	for p := range 3 {
		current := sample.Ia + sample.Channel(p)
		s.thd[p] = res.THD(current)
		s.pf[p] = res.DisplacementPowerFactor(sample.Van+sample.Channel(p), current)
	}
}

// Latest returns the most recent record. Safe from any goroutine.
func (s *service) Latest() (store.MeteringRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latest, s.have
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(errors.ErrCloseMetering, err)
	}
	return nil
}

// Compute converts a snapshot to engineering-unit RMS values, filtered
// and unfiltered, and the phase current unbalance.
func Compute(snap *aggregator.SubIntervalSnapshot, cfg Config) store.MeteringRecord {
	rec := store.MeteringRecord{
		Seq:       snap.Seq,
		Overflows: snap.Overflows,
		Valid:     snap.Samples > 0,
	}
	if snap.Samples <= 0 {
		return rec
	}

	n := float64(snap.Samples)
	for ch := range snap.AFE {
		scale := cfg.CurrentScale
		if sample.Channel(ch).IsVoltage() {
			scale = cfg.VoltageScale
		}
		rec.RMS[ch] = math.Sqrt(snap.AFE[ch]/n) * scale
	}
	for ch := range snap.ADC {
		rec.Unfiltered[ch] = math.Sqrt(snap.ADC[ch]/n) * cfg.CurrentScale
	}
	rec.Unbalance = Unbalance(rec.RMS[sample.Ia : sample.Ic+1])

	return rec
}

// Unbalance is the largest deviation from the mean divided by the mean.
func Unbalance(phases []float64) float64 {
	if len(phases) == 0 {
		return 0
	}
	mean := floats.Sum(phases) / float64(len(phases))
	if mean == 0 {
		return 0
	}

	dev := math.Max(floats.Max(phases)-mean, mean-floats.Min(phases))

	return dev / mean
}

func (*noopCollector) Collect(_ context.Context, _ *aggregator.SubIntervalSnapshot) error {
	return nil
}

func (*noopCollector) ObserveCycle(_ *peak.CycleResult) {}

func (*noopCollector) Latest() (store.MeteringRecord, bool) {
	return store.MeteringRecord{}, false
}

func (*noopCollector) Close() error {
	return nil
}
