// Package errors provides structured error types for the modelup system.
// Every error carries a category, a code and a message. Codec, migration and
// pipeline failures are deterministic functions of their input, so none of
// them are retryable.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryCodec     ErrorCategory = "CODEC"
	ErrCategoryMigration ErrorCategory = "MIGRATION"
	ErrCategoryPipeline  ErrorCategory = "PIPELINE"
	ErrCategoryCompat    ErrorCategory = "COMPAT"
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes.
const (
	// Codec codes
	CodeUnknownFieldLayout = "UNKNOWN_FIELD_LAYOUT"
	CodeCorruptBuffer      = "CORRUPT_BUFFER"
	CodeSchemaViolation    = "SCHEMA_VIOLATION"

	// Pipeline codes
	CodeUnsupportedSourceVersion = "UNSUPPORTED_SOURCE_VERSION"
	CodeNoMigrationPath          = "NO_MIGRATION_PATH"

	// Migration codes
	CodeAlreadyMigrated = "ALREADY_MIGRATED"

	// Compat codes
	CodeIncompatibleSchema = "INCOMPATIBLE_SCHEMA"
	CodeInvalidSchema      = "INVALID_SCHEMA"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Storage codes
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeStorageFailed  = "STORAGE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// UpgradeError is the structured error type used throughout the system.
type UpgradeError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *UpgradeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *UpgradeError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *UpgradeError) Is(target error) bool {
	var t *UpgradeError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new UpgradeError.
func New(category ErrorCategory, code, message string) *UpgradeError {
	return &UpgradeError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Newf creates a new UpgradeError with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *UpgradeError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new UpgradeError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *UpgradeError {
	return &UpgradeError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *UpgradeError) WithDetails(details map[string]interface{}) *UpgradeError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Only storage transport failures qualify; every codec, migration and
// pipeline failure reproduces on the same input.
func IsRetryable(err error) bool {
	var ue *UpgradeError
	if errors.As(err, &ue) {
		return ue.Category == ErrCategoryStorage && ue.Code == CodeStorageFailed
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an UpgradeError.
func GetCategory(err error) ErrorCategory {
	var ue *UpgradeError
	if errors.As(err, &ue) {
		return ue.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an UpgradeError.
func GetCode(err error) string {
	var ue *UpgradeError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

// ExitCode maps an error to a process exit code. Each failure kind gets its
// own code so a build harness can tell them apart without parsing output.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch GetCode(err) {
	case CodeUnknownFieldLayout:
		return 2
	case CodeCorruptBuffer:
		return 3
	case CodeUnsupportedSourceVersion:
		return 4
	case CodeNoMigrationPath:
		return 5
	case CodeAlreadyMigrated:
		return 6
	case CodeSchemaViolation:
		return 7
	case CodeIncompatibleSchema, CodeInvalidSchema:
		return 8
	case CodeInvalidConfig:
		return 9
	case CodeObjectNotFound, CodeStorageFailed:
		return 10
	default:
		return 1
	}
}

// Convenience constructors for common errors.

func CorruptBuffer(format string, args ...interface{}) *UpgradeError {
	return Newf(ErrCategoryCodec, CodeCorruptBuffer, format, args...)
}

func UnknownFieldLayout(format string, args ...interface{}) *UpgradeError {
	return Newf(ErrCategoryCodec, CodeUnknownFieldLayout, format, args...)
}

func SchemaViolation(format string, args ...interface{}) *UpgradeError {
	return Newf(ErrCategoryCodec, CodeSchemaViolation, format, args...)
}

func UnsupportedSourceVersion(version int) *UpgradeError {
	return Newf(ErrCategoryPipeline, CodeUnsupportedSourceVersion,
		"no catalog entry for source version %d", version).
		WithDetails(map[string]interface{}{"version": version})
}

func NoMigrationPath(from, to int) *UpgradeError {
	return Newf(ErrCategoryPipeline, CodeNoMigrationPath,
		"no migration path from version %d to version %d", from, to).
		WithDetails(map[string]interface{}{"from": from, "to": to})
}

func AlreadyMigrated(step string, format string, args ...interface{}) *UpgradeError {
	return Newf(ErrCategoryMigration, CodeAlreadyMigrated, step+": "+format, args...)
}

func NewConfigError(message string, cause error) *UpgradeError {
	return Wrap(ErrCategoryConfig, CodeInvalidConfig, message, cause)
}

func NewStorageError(code, message string, cause error) *UpgradeError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *UpgradeError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Sentinel values usable as errors.Is targets.
var (
	ErrCorruptBuffer            = New(ErrCategoryCodec, CodeCorruptBuffer, "corrupt buffer")
	ErrUnknownFieldLayout       = New(ErrCategoryCodec, CodeUnknownFieldLayout, "unknown field layout")
	ErrSchemaViolation          = New(ErrCategoryCodec, CodeSchemaViolation, "schema violation")
	ErrUnsupportedSourceVersion = New(ErrCategoryPipeline, CodeUnsupportedSourceVersion, "unsupported source version")
	ErrNoMigrationPath          = New(ErrCategoryPipeline, CodeNoMigrationPath, "no migration path")
	ErrAlreadyMigrated          = New(ErrCategoryMigration, CodeAlreadyMigrated, "already migrated")
)
