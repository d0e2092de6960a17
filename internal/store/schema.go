package store

import (
	"database/sql"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/logger"
)

const (
	SchemaVersion = 2

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS captures (
	       event_id     INTEGER PRIMARY KEY,
	       kind         TEXT NOT NULL CHECK (kind IN ('trip', 'alarm', 'extended')),
	       first_sample INTEGER NOT NULL CHECK (typeof(first_sample) = 'integer'),
	       trigger_time INTEGER NOT NULL CHECK (typeof(trigger_time) = 'integer'),
	       samples      INTEGER NOT NULL CHECK (samples > 0),
	       pages        INTEGER NOT NULL DEFAULT 0,
	       header       BLOB NOT NULL,
	       checksum     BLOB,
	       completed    INTEGER NOT NULL DEFAULT 0 CHECK (completed IN (0, 1)),
	       created_at   TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS capture_pages (
	       event_id    INTEGER NOT NULL REFERENCES captures(event_id) ON DELETE CASCADE,
	       page_index  INTEGER NOT NULL CHECK (page_index >= 0),
	       compression INTEGER NOT NULL CHECK (compression IN (0, 1, 2)),
	       raw_size    INTEGER NOT NULL CHECK (raw_size > 0),
	       data        BLOB NOT NULL,
	       PRIMARY KEY (event_id, page_index)
	   );
	   CREATE TABLE IF NOT EXISTS metering (
	       timestamp  INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       seq        INTEGER PRIMARY KEY,
	       ia         REAL NOT NULL,
	       ib         REAL NOT NULL,
	       ic         REAL NOT NULL,
	       i_n        REAL NOT NULL,
	       ig         REAL NOT NULL,
	       van        REAL NOT NULL,
	       vbn        REAL NOT NULL,
	       vcn        REAL NOT NULL,
	       ia_unf     REAL NOT NULL,
	       ib_unf     REAL NOT NULL,
	       ic_unf     REAL NOT NULL,
	       in_unf     REAL NOT NULL,
	       thd_a      REAL NOT NULL,
	       thd_b      REAL NOT NULL,
	       thd_c      REAL NOT NULL,
	       pf_a       REAL NOT NULL,
	       pf_b       REAL NOT NULL,
	       pf_c       REAL NOT NULL,
	       unbalance  REAL NOT NULL,
	       overflows  INTEGER NOT NULL CHECK (typeof(overflows) = 'integer'),
	       valid      INTEGER NOT NULL CHECK (valid IN (0, 1))
	   );`

	insertCaptureSQL = `
    INSERT INTO captures (
        event_id, kind, first_sample, trigger_time, samples, header, created_at
    ) VALUES (?, ?, ?, ?, ?, ?, datetime('now'))`

	insertPageSQL = `
    INSERT INTO capture_pages (
        event_id, page_index, compression, raw_size, data
    ) VALUES (?, ?, ?, ?, ?)`

	completeCaptureSQL = `
    UPDATE captures SET checksum = ?, pages = ?, completed = 1
    WHERE event_id = ?`

	insertMeteringSQL = `
    INSERT INTO metering (
        timestamp, seq,
        ia, ib, ic, i_n, ig,
        van, vbn, vcn,
        ia_unf, ib_unf, ic_unf, in_unf,
        thd_a, thd_b, thd_c,
        pf_a, pf_b, pf_c,
        unbalance, overflows, valid
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "create_tables",
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
