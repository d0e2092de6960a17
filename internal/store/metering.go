package store

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/logger"
	"codeberg.org/mutker/tripunit/internal/sample"
)

// MeteringRecord is one sub-interval of metered values in engineering
// units.
type MeteringRecord struct {
	Timestamp time.Time
	Seq       uint64
	RMS       [sample.NumChannels]float64
	// Unfiltered is the RMS of the gain-aligned reference ADC currents,
	// Ia through In.
	Unfiltered [sample.NumADCChannels]float64
	Unbalance  float64
	Overflows  uint64
	Valid      bool

	// THD and displacement power factor per phase, from the last
	// complete cycle.
	THD         [3]float64
	PowerFactor [3]float64
}

// MeteringRepository buffers metering records and writes them in
// batches.
type MeteringRepository interface {
	Record(record *MeteringRecord) error
	Close() error
}

type meteringRepository struct {
	store         *Store
	logger        logger.Logger
	batchSize     int
	mu            sync.Mutex
	buffer        []*MeteringRecord
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

// NewMeteringRepository starts a batching repository on top of s.
// Closing it flushes pending records but leaves s open.
func (s *Store) NewMeteringRepository(log logger.Logger) MeteringRepository {
	repo := &meteringRepository{
		store:         s,
		logger:        log,
		batchSize:     s.cfg.BatchSize,
		buffer:        make([]*MeteringRecord, 0, max(s.cfg.BatchSize, 1)),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if s.cfg.BatchSize > 0 && s.cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(s.cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	log.Debug().
		Int("batch_size", s.cfg.BatchSize).
		Dur("batch_timeout", s.cfg.BatchTimeout).
		Msg("Metering repository initialized")

	return repo
}

func (r *meteringRepository) Record(record *MeteringRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, record)

	if len(r.buffer) >= r.batchSize {
		return r.flush()
	}

	return nil
}

func (r *meteringRepository) Close() error {
	if r.flushTicker != nil {
		close(r.shutdownChan)
		r.flushTicker.Stop()
	}
	<-r.flushDoneChan

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.flush()
}

func (r *meteringRepository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic metering flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

func (r *meteringRepository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.store.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertMeteringSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, rec := range r.buffer {
		values := []any{
			rec.Timestamp.UnixNano(),
			int64(rec.Seq),
			rec.RMS[sample.Ia], rec.RMS[sample.Ib], rec.RMS[sample.Ic],
			rec.RMS[sample.In], rec.RMS[sample.Ig],
			rec.RMS[sample.Van], rec.RMS[sample.Vbn], rec.RMS[sample.Vcn],
			rec.Unfiltered[sample.Ia], rec.Unfiltered[sample.Ib],
			rec.Unfiltered[sample.Ic], rec.Unfiltered[sample.In],
			rec.THD[0], rec.THD[1], rec.THD[2],
			rec.PowerFactor[0], rec.PowerFactor[1], rec.PowerFactor[2],
			rec.Unbalance,
			int64(rec.Overflows),
			boolToInt(rec.Valid),
		}

		if _, err := stmt.Exec(values...); err != nil {
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed metering to database")
	r.buffer = r.buffer[:0]

	return nil
}

// RecentMetering returns up to limit records, newest first.
func (s *Store) RecentMetering(ctx context.Context, limit int) ([]MeteringRecord, error) {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, `
        SELECT timestamp, seq, ia, ib, ic, i_n, ig, van, vbn, vcn,
               ia_unf, ib_unf, ic_unf, in_unf,
               thd_a, thd_b, thd_c, pf_a, pf_b, pf_c,
               unbalance, overflows, valid
        FROM metering
        ORDER BY seq DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []MeteringRecord
	for rows.Next() {
		var (
			rec            MeteringRecord
			ts, seq, overs int64
			valid          int
		)
		if err := rows.Scan(&ts, &seq,
			&rec.RMS[sample.Ia], &rec.RMS[sample.Ib], &rec.RMS[sample.Ic],
			&rec.RMS[sample.In], &rec.RMS[sample.Ig],
			&rec.RMS[sample.Van], &rec.RMS[sample.Vbn], &rec.RMS[sample.Vcn],
			&rec.Unfiltered[sample.Ia], &rec.Unfiltered[sample.Ib],
			&rec.Unfiltered[sample.Ic], &rec.Unfiltered[sample.In],
			&rec.THD[0], &rec.THD[1], &rec.THD[2],
			&rec.PowerFactor[0], &rec.PowerFactor[1], &rec.PowerFactor[2],
			&rec.Unbalance, &overs, &valid,
		); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Seq = uint64(seq)
		rec.Overflows = uint64(overs)
		rec.Valid = valid == 1
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}
