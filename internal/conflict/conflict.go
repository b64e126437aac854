// Package conflict classifies and resolves record-level conflicts
// before writes reach the transaction coordinator.
package conflict

import (
	"fmt"
	"time"

	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/syncerr"
)

// Type classifies a detected conflict.
type Type string

const (
	// TypeDuplicate means the incoming payload hash matches the
	// existing record exactly; writing it is an idempotent no-op.
	TypeDuplicate Type = "DUPLICATE_RECORD"

	// TypeStaleUpdate means the existing record carries a newer
	// source timestamp than the incoming one.
	TypeStaleUpdate Type = "STALE_UPDATE"

	// TypeConcurrentUpdate means two batches within one operation
	// touched the same key.
	TypeConcurrentUpdate Type = "CONCURRENT_UPDATE"

	// TypeIntegrityViolation means the incoming record fails the
	// target store's referential or shape constraints.
	TypeIntegrityViolation Type = "DATA_INTEGRITY_VIOLATION"
)

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	// StrategyLastModifiedWins writes the incoming record iff its
	// source timestamp is strictly newer. Default.
	StrategyLastModifiedWins Strategy = "LAST_MODIFIED_WINS"

	// StrategyFirstWins keeps the existing record.
	StrategyFirstWins Strategy = "FIRST_WINS"

	// StrategyMergeData unions fields, incoming taking precedence on
	// non-nil fields only.
	StrategyMergeData Strategy = "MERGE_DATA"

	// StrategyManualReview holds the record for operator action
	// without writing.
	StrategyManualReview Strategy = "MANUAL_REVIEW"
)

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyLastModifiedWins, StrategyFirstWins, StrategyMergeData, StrategyManualReview:
		return true
	}
	return false
}

// Record describes one detected and (possibly) resolved conflict.
type Record struct {
	Type     Type
	Key      string
	Entity   string
	Strategy Strategy

	// Incoming and Existing are the colliding records.
	Incoming *record.Record
	Existing *record.Record

	// Resolved is the value chosen for write. Nil when resolution is
	// deferred to manual review or the write is skipped.
	Resolved *record.Record

	DetectedAt time.Time
}

// Outcome is the resolver's decision for one incoming record.
type Outcome struct {
	// Write indicates the record (possibly merged) should be written.
	Write bool

	// Record is the value to write when Write is true.
	Record *record.Record

	// Conflict is non-nil when a conflict was detected, regardless of
	// whether the record is written.
	Conflict *Record
}

// Validator checks a record against target store constraints before
// write. A non-nil error marks the record as an integrity violation.
type Validator func(*record.Record) error

// Resolver classifies incoming records against current target state.
// One Resolver instance serves one sync operation: it tracks the keys
// already accepted within the operation to detect concurrent updates
// across batches.
type Resolver struct {
	strategy Strategy
	validate Validator

	seen *seenKeys
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithValidator installs a store-constraint validator.
func WithValidator(v Validator) ResolverOption {
	return func(r *Resolver) {
		r.validate = v
	}
}

// NewResolver creates a Resolver with the given strategy. An invalid
// strategy falls back to LAST_MODIFIED_WINS.
func NewResolver(strategy Strategy, opts ...ResolverOption) *Resolver {
	if !ValidStrategy(strategy) {
		strategy = StrategyLastModifiedWins
	}
	r := &Resolver{
		strategy: strategy,
		seen:     newSeenKeys(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve classifies incoming against existing (nil when the target
// has no record for the key) and applies the configured strategy.
//
// The store-constraint check runs first so no strategy can write a
// malformed record; classification then proceeds in order: no existing
// record, stale update, duplicate hash, concurrent update within the
// operation. Ties on equal timestamps keep the existing record under
// every strategy so that replays are deterministic.
func (r *Resolver) Resolve(incoming, existing *record.Record) (*Outcome, error) {
	if incoming == nil {
		return nil, syncerr.New(syncerr.KindValidation, "incoming record is nil")
	}

	// Constraint check applies to every incoming record, conflicting
	// or not.
	if r.validate != nil {
		if err := r.validate(incoming); err != nil {
			return &Outcome{
				Write:    false,
				Conflict: r.newConflict(TypeIntegrityViolation, incoming, existing),
			}, syncerr.Wrap(syncerr.KindConstraint, err,
				fmt.Sprintf("record %s violates store constraints", incoming.Key))
		}
	}

	concurrent := !r.seen.add(seenKey(incoming))

	if existing == nil {
		if concurrent {
			return r.applyStrategy(TypeConcurrentUpdate, incoming, nil)
		}
		return &Outcome{Write: true, Record: incoming}, nil
	}

	if existing.SourceModifiedAt.After(incoming.SourceModifiedAt) {
		return r.applyStrategy(TypeStaleUpdate, incoming, existing)
	}

	incomingHash, err := incoming.Hash()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindDataFormat, err, "failed to hash incoming record")
	}
	existingHash, err := existing.Hash()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindDataFormat, err, "failed to hash existing record")
	}
	if incomingHash == existingHash {
		conflict := r.newConflict(TypeDuplicate, incoming, existing)
		conflict.Resolved = existing
		return &Outcome{Write: false, Conflict: conflict}, nil
	}

	if concurrent {
		return r.applyStrategy(TypeConcurrentUpdate, incoming, existing)
	}

	if !incoming.SourceModifiedAt.After(existing.SourceModifiedAt) {
		// Equal timestamps with differing payloads: the incoming
		// record cannot prove it is newer, so treat it as stale.
		return r.applyStrategy(TypeStaleUpdate, incoming, existing)
	}

	// A strictly newer, non-duplicate record is a plain update.
	return &Outcome{Write: true, Record: incoming}, nil
}

// applyStrategy decides the write for a classified conflict.
func (r *Resolver) applyStrategy(conflictType Type, incoming, existing *record.Record) (*Outcome, error) {
	conflict := r.newConflict(conflictType, incoming, existing)

	// Ties resolve to the existing record under every strategy so the
	// resolver is idempotent under replay.
	if existing != nil && incoming.SourceModifiedAt.Equal(existing.SourceModifiedAt) {
		conflict.Resolved = existing
		return &Outcome{Write: false, Conflict: conflict}, nil
	}

	switch r.strategy {
	case StrategyManualReview:
		// Held for operator action; nothing is written.
		return &Outcome{Write: false, Conflict: conflict}, nil

	case StrategyFirstWins:
		conflict.Resolved = existing
		return &Outcome{Write: false, Conflict: conflict}, nil

	case StrategyMergeData:
		merged := mergeRecords(existing, incoming)
		conflict.Resolved = merged
		return &Outcome{Write: true, Record: merged, Conflict: conflict}, nil

	default: // StrategyLastModifiedWins
		if existing == nil || incoming.SourceModifiedAt.After(existing.SourceModifiedAt) {
			conflict.Resolved = incoming
			return &Outcome{Write: true, Record: incoming, Conflict: conflict}, nil
		}
		// Equal or older timestamps keep the existing record.
		conflict.Resolved = existing
		return &Outcome{Write: false, Conflict: conflict}, nil
	}
}

func (r *Resolver) newConflict(conflictType Type, incoming, existing *record.Record) *Record {
	return &Record{
		Type:       conflictType,
		Key:        incoming.Key,
		Entity:     incoming.Entity,
		Strategy:   r.strategy,
		Incoming:   incoming,
		Existing:   existing,
		DetectedAt: time.Now(),
	}
}

// mergeRecords unions payload fields; incoming wins on non-nil fields
// only. The newer source timestamp is kept.
func mergeRecords(existing, incoming *record.Record) *record.Record {
	if existing == nil {
		return incoming.Clone()
	}

	merged := existing.Clone()
	for field, value := range incoming.Payload {
		if value == nil {
			continue
		}
		merged.Payload[field] = value
	}
	if incoming.SourceModifiedAt.After(merged.SourceModifiedAt) {
		merged.SourceModifiedAt = incoming.SourceModifiedAt
	}
	return merged
}
