package store

import (
	"bytes"
	"context"
	"database/sql"
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/sample"
	"github.com/zeebo/blake3"
)

// CaptureHeader describes one stored capture. It is persisted as CBOR
// next to the indexed columns.
type CaptureHeader struct {
	EventID        int64    `cbor:"1,keyasint"`
	Kind           string   `cbor:"2,keyasint"`
	PreEventCycles int      `cbor:"3,keyasint"`
	LineFrequency  int      `cbor:"4,keyasint"`
	SampleRate     int      `cbor:"5,keyasint"`
	Samples        int      `cbor:"6,keyasint"`
	SamplesPerPage int      `cbor:"7,keyasint"`
	Channels       []string `cbor:"8,keyasint"`
	StartIndex     int      `cbor:"9,keyasint"`
	StartAbs       int64    `cbor:"10,keyasint"`
	// Unix nanoseconds.
	FirstSample int64 `cbor:"11,keyasint"`
	TriggerTime int64 `cbor:"12,keyasint"`
}

// FirstSampleTime returns the wall time of the first captured sample.
func (h *CaptureHeader) FirstSampleTime() time.Time {
	return time.Unix(0, h.FirstSample).UTC()
}

// CaptureSummary is one row of ListCaptures.
type CaptureSummary struct {
	EventID     int64
	Kind        string
	FirstSample time.Time
	TriggerTime time.Time
	Samples     int
	Pages       int
	Completed   bool
}

// Capture is a verified capture read back from storage.
type Capture struct {
	Header   CaptureHeader
	Samples  [][sample.Width]int32
	Checksum [32]byte
}

// BeginCapture records the header of a capture whose pages follow.
func (s *Store) BeginCapture(ctx context.Context, h *CaptureHeader) error {
	errFactory := errors.New()

	encoded, err := marshalHeader(h)
	if err != nil {
		return errFactory.Wrap(ErrCodec, err)
	}

	if _, err := s.db.ExecContext(ctx, insertCaptureSQL,
		h.EventID, h.Kind, h.FirstSample, h.TriggerTime, h.Samples, encoded,
	); err != nil {
		return errFactory.WithData(ErrTransactionFailed, struct {
			Phase   string
			EventID int64
			Error   string
		}{
			Phase:   "insert_capture",
			EventID: h.EventID,
			Error:   err.Error(),
		})
	}

	return nil
}

// WritePage stores one page of encoded samples.
func (s *Store) WritePage(ctx context.Context, eventID int64, index int, raw []byte) error {
	errFactory := errors.New()

	data, tag, err := compressPage(raw, s.compression)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, insertPageSQL,
		eventID, index, int(tag), len(raw), data,
	); err != nil {
		return errFactory.WithData(ErrTransactionFailed, struct {
			Phase   string
			EventID int64
			Page    int
			Error   string
		}{
			Phase:   "insert_page",
			EventID: eventID,
			Page:    index,
			Error:   err.Error(),
		})
	}

	return nil
}

// CompleteCapture marks a capture durable.
func (s *Store) CompleteCapture(ctx context.Context, eventID int64, pages int, checksum [32]byte) error {
	res, err := s.db.ExecContext(ctx, completeCaptureSQL, checksum[:], pages, eventID)
	if err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New().WithData(ErrCaptureNotFound, eventID)
	}

	return nil
}

// NextEventID returns one past the highest stored event id.
func (s *Store) NextEventID(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(event_id) FROM captures").Scan(&last); err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}

	return last.Int64 + 1, nil
}

// ListCaptures returns all captures, newest first.
func (s *Store) ListCaptures(ctx context.Context) ([]CaptureSummary, error) {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, `
        SELECT event_id, kind, first_sample, trigger_time, samples, pages, completed
        FROM captures
        ORDER BY event_id DESC`)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []CaptureSummary
	for rows.Next() {
		var (
			c             CaptureSummary
			first, trig   int64
			completedFlag int
		)
		if err := rows.Scan(&c.EventID, &c.Kind, &first, &trig, &c.Samples, &c.Pages, &completedFlag); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		c.FirstSample = time.Unix(0, first).UTC()
		c.TriggerTime = time.Unix(0, trig).UTC()
		c.Completed = completedFlag == 1
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

// ReadCapture loads a completed capture and verifies its checksum.
func (s *Store) ReadCapture(ctx context.Context, eventID int64) (*Capture, error) {
	errFactory := errors.New()

	var (
		encoded   []byte
		checksum  []byte
		pages     int
		completed int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT header, checksum, pages, completed FROM captures WHERE event_id = ?", eventID,
	).Scan(&encoded, &checksum, &pages, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errFactory.WithData(ErrCaptureNotFound, eventID)
	}
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	if completed != 1 {
		return nil, errFactory.WithData(ErrCaptureIncomplete, eventID)
	}

	capture := &Capture{}
	if err := unmarshalHeader(encoded, &capture.Header); err != nil {
		return nil, errFactory.Wrap(ErrCodec, err)
	}

	raw, err := s.readPages(ctx, eventID, pages)
	if err != nil {
		return nil, err
	}

	capture.Checksum = blake3.Sum256(raw)
	if !bytes.Equal(capture.Checksum[:], checksum) {
		return nil, errFactory.WithData(ErrChecksumMismatch, eventID)
	}

	capture.Samples, err = DecodeSamples(raw)
	if err != nil {
		return nil, err
	}
	if len(capture.Samples) != capture.Header.Samples {
		return nil, errFactory.WithData(ErrInvalidPage, struct {
			EventID int64
			Got     int
			Want    int
		}{
			EventID: eventID,
			Got:     len(capture.Samples),
			Want:    capture.Header.Samples,
		})
	}

	return capture, nil
}

func (s *Store) readPages(ctx context.Context, eventID int64, pages int) ([]byte, error) {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, `
        SELECT page_index, compression, raw_size, data
        FROM capture_pages
        WHERE event_id = ?
        ORDER BY page_index`, eventID)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var raw []byte
	next := 0
	for rows.Next() {
		var (
			index, tag, size int
			data             []byte
		)
		if err := rows.Scan(&index, &tag, &size, &data); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if index != next {
			return nil, errFactory.WithData(ErrInvalidPage, struct {
				EventID int64
				Page    int
				Want    int
			}{
				EventID: eventID,
				Page:    index,
				Want:    next,
			})
		}

		page, err := decompressPage(data, CompressionTag(tag), size)
		if err != nil {
			return nil, err
		}
		raw = append(raw, page...)
		next++
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	if next != pages {
		return nil, errFactory.WithData(ErrCaptureIncomplete, eventID)
	}

	return raw, nil
}
