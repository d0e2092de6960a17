package store

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/tripunit/tripunit.db"
)

type Config struct {
	DBPath    string
	BackupDir string
	// Compression is the page codec name: none, lz4 or zstd.
	Compression  string
	BatchSize    int
	BatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		Compression:  CompressionLZ4.String(),
		BatchSize:    25,
		BatchTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if _, err := ParseCompressionTag(c.Compression); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "batch size and timeout must not be negative")
	}

	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}

	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
