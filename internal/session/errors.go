package session

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("session_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("session_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("session_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("session_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("session_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("session_storage_access_failed")
	ErrStorageInit   = errors.ErrorCode("session_storage_init_failed")
	ErrStorageClose  = errors.ErrorCode("session_storage_close_failed")

	// Recording Errors
	ErrInvalidSample = errors.ErrorCode("session_invalid_sample")
	ErrClosed        = errors.ErrorCode("session_closed")

	ErrOperationTimeout = errors.ErrTimeout
)
