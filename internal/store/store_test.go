package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/logger"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/store"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func openStore(t *testing.T, compression string) (*store.Store, store.Config) {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "tripunit.db")
	cfg.Compression = compression
	cfg.BatchSize = 4
	cfg.BatchTimeout = 0

	s, err := store.Open(cfg, logger.Nop())
	require.NoError(t, err)

	return s, cfg
}

func writeCapture(t *testing.T, s *store.Store, id int64, samples, perPage int) [][sample.Width]int32 {
	t.Helper()
	ctx := context.Background()

	h := &store.CaptureHeader{
		EventID:        id,
		Kind:           "trip",
		PreEventCycles: 8,
		LineFrequency:  60,
		SampleRate:     sample.SampleRate,
		Samples:        samples,
		SamplesPerPage: perPage,
		Channels:       []string{"Ia", "Ib"},
		FirstSample:    time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC).UnixNano(),
		TriggerTime:    time.Date(2026, 1, 2, 3, 4, 5, 133333933, time.UTC).UnixNano(),
	}
	require.NoError(t, s.BeginCapture(ctx, h))

	want := make([][sample.Width]int32, samples)
	hasher := blake3.New()
	page := make([]byte, 0, perPage*store.SampleBytes)
	pages := 0
	for n := range want {
		for i := range want[n] {
			want[n][i] = int32((n*7+i*13)%2000 - 1000)
		}
		buf := make([]byte, store.SampleBytes)
		store.PutSample(buf, &want[n])
		page = append(page, buf...)

		if len(page) == cap(page) || n == samples-1 {
			hasher.Write(page)
			require.NoError(t, s.WritePage(ctx, id, pages, page))
			pages++
			page = page[:0]
		}
	}

	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	require.NoError(t, s.CompleteCapture(ctx, id, pages, sum))

	return want
}

func TestCaptureRoundTrip(t *testing.T) {
	for _, compression := range []string{"none", "lz4", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			s, _ := openStore(t, compression)
			defer s.Close()

			want := writeCapture(t, s, 1, 2880, 64)

			got, err := s.ReadCapture(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, want, got.Samples)
			assert.Equal(t, "trip", got.Header.Kind)
			assert.Equal(t, 2880, got.Header.Samples)
			assert.Equal(t, []string{"Ia", "Ib"}, got.Header.Channels)
			assert.Equal(t, 600, got.Header.FirstSampleTime().Nanosecond())
		})
	}
}

func TestListAndNextEventID(t *testing.T) {
	s, _ := openStore(t, "lz4")
	defer s.Close()
	ctx := context.Background()

	next, err := s.NextEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	writeCapture(t, s, 1, 100, 64)
	writeCapture(t, s, 2, 130, 64)
	require.NoError(t, s.BeginCapture(ctx, &store.CaptureHeader{EventID: 3, Kind: "alarm", Samples: 10}))

	next, err = s.NextEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)

	list, err := s.ListCaptures(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, int64(3), list[0].EventID)
	assert.False(t, list[0].Completed)
	assert.True(t, list[1].Completed)
	assert.Equal(t, 3, list[1].Pages)

	_, err = s.ReadCapture(ctx, 3)
	assert.True(t, errors.HasCode(err, store.ErrCaptureIncomplete))

	_, err = s.ReadCapture(ctx, 42)
	assert.True(t, errors.HasCode(err, store.ErrCaptureNotFound))
}

func TestReadCaptureDetectsCorruption(t *testing.T) {
	s, cfg := openStore(t, "none")
	writeCapture(t, s, 7, 200, 64)
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE capture_pages SET data = zeroblob(raw_size) WHERE event_id = 7 AND page_index = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err = store.Open(cfg, logger.Nop())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadCapture(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, store.ErrChecksumMismatch))
}

func TestSchemaMigrationBacksUp(t *testing.T) {
	dir := t.TempDir()
	cfg := store.DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "tripunit.db")
	cfg.BackupDir = filepath.Join(dir, "backups")

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (0, 'x'), (99, datetime('now'));`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := store.Open(cfg, logger.Nop())
	require.NoError(t, err)
	defer s.Close()

	backups, err := filepath.Glob(filepath.Join(cfg.BackupDir, "tripunit_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	next, err := s.NextEventID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
}

func TestSchemaUpgradeAddsUnfilteredMetering(t *testing.T) {
	dir := t.TempDir()
	cfg := store.DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "tripunit.db")
	cfg.BackupDir = filepath.Join(dir, "backups")
	cfg.BatchTimeout = 0

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (1, datetime('now'));
		CREATE TABLE metering (timestamp INTEGER NOT NULL, seq INTEGER PRIMARY KEY, ia REAL NOT NULL);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := store.Open(cfg, logger.Nop())
	require.NoError(t, err)
	defer s.Close()

	backups, err := filepath.Glob(filepath.Join(cfg.BackupDir, "tripunit_v1_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	repo := s.NewMeteringRepository(logger.Nop())
	rec := &store.MeteringRecord{Timestamp: time.Unix(0, 0).UTC(), Seq: 1, Valid: true}
	rec.Unfiltered[sample.Ia] = 12.5
	require.NoError(t, repo.Record(rec))
	require.NoError(t, repo.Close())

	got, err := s.RecentMetering(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 12.5, got[0].Unfiltered[sample.Ia], 1e-9)
}

func TestConfigValidate(t *testing.T) {
	cfg := store.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Compression = "brotli"
	assert.Error(t, cfg.Validate())

	cfg = store.DefaultConfig()
	cfg.DBPath = ""
	assert.True(t, errors.HasCode(cfg.Validate(), store.ErrInvalidDBPath))
}

func TestMeteringBatches(t *testing.T) {
	s, _ := openStore(t, "lz4")
	defer s.Close()
	ctx := context.Background()

	repo := s.NewMeteringRepository(logger.Nop())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 6 {
		rec := &store.MeteringRecord{
			Timestamp: base.Add(time.Duration(i) * 200 * time.Millisecond),
			Seq:       uint64(i + 1),
			Unbalance: 0.01 * float64(i),
			Valid:     true,
		}
		rec.RMS[sample.Ia] = 100 + float64(i)
		rec.Unfiltered[sample.In] = 0.5 * float64(i)
		require.NoError(t, repo.Record(rec))
	}

	// Four records reached the batch size, two are still buffered.
	got, err := s.RecentMetering(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	require.NoError(t, repo.Close())
	got, err = s.RecentMetering(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, uint64(6), got[0].Seq)
	assert.InDelta(t, 105.0, got[0].RMS[sample.Ia], 1e-9)
	assert.InDelta(t, 2.5, got[0].Unfiltered[sample.In], 1e-9)
	assert.InDelta(t, 0.5, got[4].Unfiltered[sample.In], 1e-9)
	assert.True(t, got[0].Valid)
	assert.Equal(t, base.Add(time.Second), got[0].Timestamp)
}

func TestDecodeSamplesRejectsPartialRows(t *testing.T) {
	_, err := store.DecodeSamples(make([]byte, store.SampleBytes+3))
	assert.True(t, errors.HasCode(err, store.ErrInvalidPage))
}
