// Package errors provides structured error handling for the catalog, the
// fingerprinter and the scheduler. It defines error types, sentinel errors
// and helpers for consistent classification and HTTP mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mantonx/videory/internal/logger"
)

// ErrorType classifies an error
type ErrorType string

const (
	// ErrorTypeCatalog indicates catalog storage errors
	ErrorTypeCatalog ErrorType = "catalog"
	// ErrorTypeMetadata indicates media probing errors
	ErrorTypeMetadata ErrorType = "metadata"
	// ErrorTypeFilesystem indicates source or output file errors
	ErrorTypeFilesystem ErrorType = "filesystem"
	// ErrorTypeTranscode indicates encoder errors
	ErrorTypeTranscode ErrorType = "transcode"
	// ErrorTypeValidation indicates contract violations by the caller
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInternal indicates anything else
	ErrorTypeInternal ErrorType = "internal"
)

// Sentinel errors
var (
	// ErrMetadataUnavailable means required media metadata could not be read
	ErrMetadataUnavailable = errors.New("metadata unavailable")

	// ErrNotFound means no catalog record matches the key
	ErrNotFound = errors.New("record not found")

	// ErrSourceMissing means the source file is gone from disk
	ErrSourceMissing = errors.New("source file missing")

	// ErrOutputCollision means the deterministic output path is occupied
	ErrOutputCollision = errors.New("output already exists")

	// ErrTooManyCollisions means every versioned output path was occupied
	ErrTooManyCollisions = errors.New("too many output collisions")

	// ErrEncodeFailure means the encoder reported an error
	ErrEncodeFailure = errors.New("encode failed")

	// ErrInvalidInput means a required identifying field was missing
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition means a record update would break a state invariant
	ErrInvalidTransition = errors.New("invalid state transition")
)

// VideoryError carries the operation and record key alongside the cause
type VideoryError struct {
	Type    ErrorType
	Op      string // e.g. "insert", "fingerprint", "transcode"
	Key     string // hash:path of the record when known
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *VideoryError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s error in %s for %s: %v", e.Type, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Type, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *VideoryError) Unwrap() error {
	return e.Err
}

// New creates a new VideoryError
func New(errType ErrorType, op string, err error) *VideoryError {
	return &VideoryError{
		Type:    errType,
		Op:      op,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithKey adds record key context to the error
func (e *VideoryError) WithKey(key string) *VideoryError {
	e.Key = key
	return e
}

// WithDetail adds a key-value detail to the error
func (e *VideoryError) WithDetail(key string, value interface{}) *VideoryError {
	e.Details[key] = value
	return e
}

// CatalogError creates a catalog error
func CatalogError(op string, err error) *VideoryError {
	return New(ErrorTypeCatalog, op, err)
}

// MetadataError creates a metadata error
func MetadataError(op string, err error) *VideoryError {
	return New(ErrorTypeMetadata, op, err)
}

// FilesystemError creates a filesystem error
func FilesystemError(op string, err error) *VideoryError {
	return New(ErrorTypeFilesystem, op, err)
}

// TranscodeError creates an encoder error
func TranscodeError(op string, err error) *VideoryError {
	return New(ErrorTypeTranscode, op, err)
}

// ValidationError creates a validation error
func ValidationError(op string, err error) *VideoryError {
	return New(ErrorTypeValidation, op, err)
}

// GetType extracts the error type from an error
func GetType(err error) ErrorType {
	var vErr *VideoryError
	if errors.As(err, &vErr) {
		return vErr.Type
	}
	return ErrorTypeInternal
}

// GetOperation extracts the operation from an error
func GetOperation(err error) string {
	var vErr *VideoryError
	if errors.As(err, &vErr) {
		return vErr.Op
	}
	return "unknown"
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// HTTPStatus maps an error onto a response status code
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ToGinResponse sends the error as a standardized JSON response
func ToGinResponse(c *gin.Context, err error) {
	status := HTTPStatus(err)

	response := gin.H{
		"error": err.Error(),
		"code":  string(GetType(err)),
	}

	var vErr *VideoryError
	if errors.As(err, &vErr) && len(vErr.Details) > 0 {
		response["details"] = vErr.Details
	}

	if status >= http.StatusInternalServerError {
		logger.Error("HTTP error response",
			"status", status,
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method)
	}

	c.JSON(status, response)
}
