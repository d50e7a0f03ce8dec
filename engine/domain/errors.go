package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Callers classify with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrQueryTimeout        = errors.New("query timed out")
	ErrScoringFailure      = errors.New("scoring failed")
	ErrIngestionFailure    = errors.New("ingestion failed")
)

// Validation sentinels.
var (
	ErrEmptyText        = errors.New("text is empty")
	ErrTextTooLong      = errors.New("text too long")
	ErrLatOutOfRange    = errors.New("latitude out of range")
	ErrLngOutOfRange    = errors.New("longitude out of range")
	ErrUnknownCategory  = errors.New("unknown category")
	ErrUnknownSeverity  = errors.New("unknown severity")
	ErrInvalidPath      = errors.New("invalid path")
	ErrInvalidRadius    = errors.New("invalid radius")
	ErrInvalidThreshold = errors.New("invalid threshold")
	ErrInvalidWeight    = errors.New("invalid weight")
)

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() []error { return []error{e.Wrapped, ErrValidation} }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// Kind names used by transports when mapping errors.
const (
	KindValidation = "validation"
	KindUpstream   = "upstream_unavailable"
	KindTimeout    = "timeout"
	KindScoring    = "scoring_failure"
	KindIngestion  = "ingestion_failure"
	KindInternal   = "internal"
)

// Classify returns the kind of err. Bad input is reported before backend
// failures so a client bug is never mistaken for a retryable outage.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrQueryTimeout):
		return KindTimeout
	case errors.Is(err, ErrIngestionFailure):
		return KindIngestion
	case errors.Is(err, ErrScoringFailure):
		return KindScoring
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstream
	default:
		return KindInternal
	}
}
