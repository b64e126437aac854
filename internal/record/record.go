// Package record defines the normalized record shape that flows from
// source adapters through conflict resolution into the target store.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one normalized row fetched from an external system.
type Record struct {
	// Key uniquely identifies the record within its entity
	// (e.g. "student:12345" or a source-assigned identifier).
	Key string `json:"key"`

	// Entity names the target collection this record belongs to
	// (students, assessment_results, intervention_records).
	Entity string `json:"entity"`

	// Payload holds the record fields. Nil values are treated as
	// "field absent" by the merge resolution strategy.
	Payload map[string]any `json:"payload"`

	// SourceModifiedAt is the last-modified timestamp reported by the
	// originating system, used for conflict resolution.
	SourceModifiedAt time.Time `json:"sourceModifiedAt"`
}

// Hash returns the sha256 hex digest of the record payload. Map keys
// are sorted by encoding/json, so equal payloads always produce equal
// hashes regardless of insertion order.
func (r *Record) Hash() (string, error) {
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload for %s: %w", r.Key, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy of the record. Payload values are copied
// one level deep, which is sufficient for the flat field maps the
// source adapters produce.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	payload := make(map[string]any, len(r.Payload))
	for k, v := range r.Payload {
		payload[k] = v
	}
	return &Record{
		Key:              r.Key,
		Entity:           r.Entity,
		Payload:          payload,
		SourceModifiedAt: r.SourceModifiedAt,
	}
}
