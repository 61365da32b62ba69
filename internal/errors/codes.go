// Package errors provides structured error handling for imgsift.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (object store, record store, queue)
//   - 3XX: Model service and network errors
//   - 4XX: Validation errors
//   - 5XX: Pipeline and internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates object store, record store and queue errors.
	CategoryStorage Category = "STORAGE"
	// CategoryNetwork indicates model service and network errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates pipeline and unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal aborts the current job or command.
	SeverityFatal Severity = "FATAL"
	// SeverityError means the operation failed but the process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning means degraded operation.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeObjectNotFound = "ERR_201_OBJECT_NOT_FOUND"
	ErrCodeRecordNotFound = "ERR_202_RECORD_NOT_FOUND"
	ErrCodeStoreFailed    = "ERR_203_STORE_FAILED"
	ErrCodeQueueFailed    = "ERR_204_QUEUE_FAILED"
	ErrCodeJobNotFound    = "ERR_205_JOB_NOT_FOUND"

	// Model service errors (300-399)
	ErrCodeModelUnavailable = "ERR_301_MODEL_UNAVAILABLE"
	ErrCodeModelTimeout     = "ERR_302_MODEL_TIMEOUT"
	ErrCodeModelLoad        = "ERR_303_MODEL_LOAD"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_403_QUERY_EMPTY"
	ErrCodeNotAnImage        = "ERR_404_NOT_AN_IMAGE"
	ErrCodeFileTooLarge      = "ERR_405_FILE_TOO_LARGE"
	ErrCodeTooManyFiles      = "ERR_406_TOO_MANY_FILES"

	// Pipeline and internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeDecodeFailed    = "ERR_503_DECODE_FAILED"
	ErrCodeClusterFailed   = "ERR_504_CLUSTER_FAILED"
	ErrCodeSearchFailed    = "ERR_505_SEARCH_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
// Everything that ends an analysis job is fatal.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeEmbeddingFailed, ErrCodeDecodeFailed, ErrCodeDimensionMismatch, ErrCodeObjectNotFound:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a transient failure.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeModelUnavailable, ErrCodeModelTimeout:
		return true
	default:
		return false
	}
}
