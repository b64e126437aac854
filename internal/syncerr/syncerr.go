// Package syncerr defines the closed set of error kinds used across
// the sync pipeline, together with severity and retry classification.
package syncerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a sync error. The set is closed; components switch
// on it to decide retry and dead-letter routing.
type Kind string

const (
	// KindAPI covers upstream API failures (429, 5xx equivalents).
	KindAPI Kind = "API_ERROR"

	// KindDatabase covers target or operational store failures.
	KindDatabase Kind = "DATABASE_ERROR"

	// KindValidation covers records that fail validation.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindTimeout covers call, batch, and operation deadline overruns.
	KindTimeout Kind = "TIMEOUT_ERROR"

	// KindNetwork covers transient transport failures, including
	// fail-fast rejections from an open circuit breaker.
	KindNetwork Kind = "NETWORK_ERROR"

	// KindAuthentication covers credential failures (401 equivalents).
	KindAuthentication Kind = "AUTHENTICATION_ERROR"

	// KindAuthorization covers permission failures (403 equivalents).
	KindAuthorization Kind = "AUTHORIZATION_ERROR"

	// KindDataFormat covers malformed or unparseable source payloads.
	KindDataFormat Kind = "DATA_FORMAT_ERROR"

	// KindConstraint covers referential or shape violations reported
	// by the target store.
	KindConstraint Kind = "CONSTRAINT_VIOLATION"

	// KindDeadlock covers store-reported deadlocks. Retried at the
	// transaction level, never at the record level.
	KindDeadlock Kind = "DEADLOCK_ERROR"
)

// Severity grades an error for alerting and reporting.
type Severity string

const (
	// SeverityLow marks errors absorbed by local retry.
	SeverityLow Severity = "LOW"

	// SeverityMedium marks record-level failures that dead-letter.
	SeverityMedium Severity = "MEDIUM"

	// SeverityHigh marks batch-level failures.
	SeverityHigh Severity = "HIGH"

	// SeverityCritical marks failures that leave cross-system state
	// inconsistent, such as a failed saga compensation.
	SeverityCritical Severity = "CRITICAL"
)

// Error is the structured error carried through the sync pipeline.
type Error struct {
	Kind      Kind
	Severity  Severity
	Message   string
	Err       error
	Retryable bool

	// RetryCount is the number of retry attempts already spent.
	RetryCount int

	// OperationID, BatchIndex and RecordKey locate the failure for
	// traceability. BatchIndex is -1 when the failure is not tied to
	// a batch.
	OperationID uuid.UUID
	BatchIndex  int
	RecordKey   string

	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// errorJSON is the persisted shape of Error. The wrapped cause is
// flattened to a string since error values do not round-trip.
type errorJSON struct {
	Kind        Kind      `json:"kind"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Cause       string    `json:"cause,omitempty"`
	Retryable   bool      `json:"retryable"`
	RetryCount  int       `json:"retryCount"`
	OperationID uuid.UUID `json:"operationId"`
	BatchIndex  int       `json:"batchIndex"`
	RecordKey   string    `json:"recordKey,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := errorJSON{
		Kind:        e.Kind,
		Severity:    e.Severity,
		Message:     e.Message,
		Retryable:   e.Retryable,
		RetryCount:  e.RetryCount,
		OperationID: e.OperationID,
		BatchIndex:  e.BatchIndex,
		RecordKey:   e.RecordKey,
		Timestamp:   e.Timestamp,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var in errorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Error{
		Kind:        in.Kind,
		Severity:    in.Severity,
		Message:     in.Message,
		Retryable:   in.Retryable,
		RetryCount:  in.RetryCount,
		OperationID: in.OperationID,
		BatchIndex:  in.BatchIndex,
		RecordKey:   in.RecordKey,
		Timestamp:   in.Timestamp,
	}
	if in.Cause != "" {
		e.Err = errors.New(in.Cause)
	}
	return nil
}

// New creates an Error of the given kind with default severity and
// retryability for that kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:       kind,
		Severity:   defaultSeverity(kind),
		Message:    message,
		Retryable:  DefaultRetryable(kind),
		BatchIndex: -1,
		Timestamp:  time.Now(),
	}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error, message string) *Error {
	e := New(kind, message)
	e.Err = err
	return e
}

// WithSeverity overrides the default severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithRecord attaches operation, batch, and record coordinates.
func (e *Error) WithRecord(operationID uuid.UUID, batchIndex int, recordKey string) *Error {
	e.OperationID = operationID
	e.BatchIndex = batchIndex
	e.RecordKey = recordKey
	return e
}

// Exhaust marks the error non-retryable after the retry budget is
// spent, converting it into a dead-letter candidate.
func (e *Error) Exhaust(attempts int) *Error {
	e.Retryable = false
	e.RetryCount = attempts
	return e
}

// DefaultRetryable reports whether errors of the given kind are
// retried locally. Permanent kinds bypass retry and dead-letter
// directly.
func DefaultRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindNetwork, KindAPI, KindDeadlock:
		return true
	default:
		return false
	}
}

func defaultSeverity(kind Kind) Severity {
	switch kind {
	case KindTimeout, KindNetwork, KindAPI:
		return SeverityLow
	case KindDeadlock, KindDatabase:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// KindOf extracts the Kind from err, returning KindAPI for errors that
// carry no classification.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindAPI
}

// IsRetryable reports whether err should be retried locally.
// Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// AsError extracts a *Error from err, wrapping unclassified errors as
// a non-retryable API error so every failure entering the dead letter
// queue carries a kind.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	wrapped := Wrap(KindAPI, err, "unclassified error")
	wrapped.Retryable = false
	return wrapped
}
