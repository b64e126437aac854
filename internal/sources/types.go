// Package sources defines the source adapter contract for fetching
// paginated records from external systems, plus its HTTP
// implementation and factory.
package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/classtrack/sync-server/internal/record"
)

// Source type constants. Each maps to one external system family.
const (
	// TypeSIS is the student-information system (real-time schedule).
	TypeSIS = "sis"

	// TypeAssessment is the diagnostic-assessment system (daily batch).
	TypeAssessment = "assessment"

	// TypeIntervention is the intervention-tracking system (weekly
	// batch).
	TypeIntervention = "intervention"
)

// ValidType reports whether t names a known source type.
func ValidType(t string) bool {
	switch t {
	case TypeSIS, TypeAssessment, TypeIntervention:
		return true
	}
	return false
}

// DateRange bounds the records an operation covers. Start must not be
// after End.
type DateRange struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Validate checks the range invariant.
func (d DateRange) Validate() error {
	if d.Start.After(d.End) {
		return fmt.Errorf("date range start %s is after end %s", d.Start, d.End)
	}
	return nil
}

// Filter narrows a fetch to particular schools and subjects. Empty
// slices mean no filtering on that dimension.
type Filter struct {
	Schools  []string `json:"schools,omitempty" yaml:"schools,omitempty"`
	Subjects []string `json:"subjects,omitempty" yaml:"subjects,omitempty"`
}

// Page is one page of fetched records. An empty NextCursor means the
// fetch is complete.
type Page struct {
	Records    []*record.Record
	NextCursor string
}

// Adapter is the source adapter contract. FetchPage must be safely
// retryable: the same cursor always yields the same page, and errors
// carry a structured kind rather than a raw transport error.
//
//go:generate mockgen -destination=mocks/mock_adapter.go -package=mocks -source=types.go Adapter
type Adapter interface {
	// Name returns the configured source name.
	Name() string

	// Type returns the source type (sis, assessment, intervention).
	Type() string

	// FetchPage fetches one page of records for the filter and date
	// range. An empty cursor requests the first page.
	FetchPage(ctx context.Context, filter Filter, dateRange DateRange, cursor string) (*Page, error)

	// CheckHealth verifies the source is reachable.
	CheckHealth(ctx context.Context) error
}
