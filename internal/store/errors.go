package store

import "codeberg.org/mutker/tripunit/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("store_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("store_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("store_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("store_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("store_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("store_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed

	// Capture Errors
	ErrCaptureNotFound   = errors.ErrResourceNotFound
	ErrCaptureIncomplete = errors.ErrorCode("store_capture_incomplete")
	ErrChecksumMismatch  = errors.ErrorCode("store_checksum_mismatch")
	ErrCodec             = errors.ErrorCode("store_codec_failed")
	ErrInvalidPage       = errors.ErrorCode("store_invalid_page")
)
