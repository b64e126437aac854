package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/syncerr"
)

var (
	older = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	newer = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func rec(key string, modified time.Time, fields map[string]any) *record.Record {
	return &record.Record{
		Key:              key,
		Entity:           "students",
		Payload:          fields,
		SourceModifiedAt: modified,
	}
}

func TestResolveNewRecordWrites(t *testing.T) {
	t.Parallel()

	r := NewResolver(StrategyLastModifiedWins)
	incoming := rec("student:1", newer, map[string]any{"grade": 7})

	outcome, err := r.Resolve(incoming, nil)
	require.NoError(t, err)

	assert.True(t, outcome.Write)
	assert.Same(t, incoming, outcome.Record)
	assert.Nil(t, outcome.Conflict)
}

func TestResolveStrictlyNewerIsPlainUpdate(t *testing.T) {
	t.Parallel()

	r := NewResolver(StrategyLastModifiedWins)
	existing := rec("student:1", older, map[string]any{"grade": 6})
	incoming := rec("student:1", newer, map[string]any{"grade": 7})

	outcome, err := r.Resolve(incoming, existing)
	require.NoError(t, err)

	assert.True(t, outcome.Write)
	assert.Same(t, incoming, outcome.Record)
	assert.Nil(t, outcome.Conflict)
}

func TestResolveDuplicateIsNoOp(t *testing.T) {
	t.Parallel()

	r := NewResolver(StrategyLastModifiedWins)
	existing := rec("student:1", older, map[string]any{"grade": 7})
	incoming := rec("student:1", newer, map[string]any{"grade": 7})

	outcome, err := r.Resolve(incoming, existing)
	require.NoError(t, err)

	assert.False(t, outcome.Write)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, TypeDuplicate, outcome.Conflict.Type)
	assert.Same(t, existing, outcome.Conflict.Resolved)
}

func TestResolveStaleUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strategy  Strategy
		wantWrite bool
	}{
		{StrategyLastModifiedWins, false},
		{StrategyFirstWins, false},
		{StrategyManualReview, false},
		{StrategyMergeData, true},
	}

	for _, tc := range tests {
		t.Run(string(tc.strategy), func(t *testing.T) {
			t.Parallel()

			r := NewResolver(tc.strategy)
			existing := rec("student:1", newer, map[string]any{"grade": 7})
			incoming := rec("student:1", older, map[string]any{"grade": 6})

			outcome, err := r.Resolve(incoming, existing)
			require.NoError(t, err)

			assert.Equal(t, tc.wantWrite, outcome.Write)
			require.NotNil(t, outcome.Conflict)
			assert.Equal(t, TypeStaleUpdate, outcome.Conflict.Type)
		})
	}
}

// Equal timestamps with differing payloads keep the existing record
// under every strategy, so replaying a batch never flips a resolution.
func TestResolveEqualTimestampsKeepExisting(t *testing.T) {
	t.Parallel()

	strategies := []Strategy{
		StrategyLastModifiedWins,
		StrategyFirstWins,
		StrategyMergeData,
		StrategyManualReview,
	}

	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			t.Parallel()

			r := NewResolver(strategy)
			existing := rec("student:1", newer, map[string]any{"grade": 7})
			incoming := rec("student:1", newer, map[string]any{"grade": 8})

			outcome, err := r.Resolve(incoming, existing)
			require.NoError(t, err)

			assert.False(t, outcome.Write)
			require.NotNil(t, outcome.Conflict)
			assert.Same(t, existing, outcome.Conflict.Resolved)
		})
	}
}

func TestResolveConcurrentUpdateWithinOperation(t *testing.T) {
	t.Parallel()

	r := NewResolver(StrategyLastModifiedWins)

	first := rec("student:1", older, map[string]any{"grade": 6})
	outcome, err := r.Resolve(first, nil)
	require.NoError(t, err)
	require.True(t, outcome.Write)

	// Same key again within the same operation.
	second := rec("student:1", newer, map[string]any{"grade": 7})
	outcome, err = r.Resolve(second, first)
	require.NoError(t, err)

	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, TypeConcurrentUpdate, outcome.Conflict.Type)
	// Newer incoming still wins under LAST_MODIFIED_WINS.
	assert.True(t, outcome.Write)
	assert.Same(t, second, outcome.Record)
}

func TestResolveMergeData(t *testing.T) {
	t.Parallel()

	r := NewResolver(StrategyMergeData)
	existing := rec("student:1", newer, map[string]any{
		"firstName": "Ada",
		"grade":     7,
	})
	incoming := rec("student:1", older, map[string]any{
		"grade":    8,
		"school":   "Northside",
		"lastName": nil, // nil means "field absent", never overwrites
	})

	outcome, err := r.Resolve(incoming, existing)
	require.NoError(t, err)

	require.True(t, outcome.Write)
	merged := outcome.Record
	assert.Equal(t, "Ada", merged.Payload["firstName"])
	assert.Equal(t, 8, merged.Payload["grade"])
	assert.Equal(t, "Northside", merged.Payload["school"])
	_, hasLastName := merged.Payload["lastName"]
	assert.False(t, hasLastName)
	// The newer source timestamp is kept.
	assert.Equal(t, newer, merged.SourceModifiedAt)
}

func TestResolveIntegrityViolation(t *testing.T) {
	t.Parallel()

	r := NewResolver(StrategyLastModifiedWins,
		WithValidator(func(*record.Record) error {
			return errors.New("unknown entity")
		}))

	outcome, err := r.Resolve(rec("student:1", newer, nil), nil)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindConstraint, syncerr.KindOf(err))

	require.NotNil(t, outcome)
	assert.False(t, outcome.Write)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, TypeIntegrityViolation, outcome.Conflict.Type)
}

// A record that is both stale and malformed is reported as an
// integrity violation, not a stale update: the constraint check guards
// every write path, including merges.
func TestResolveIntegrityViolationPrecedesStaleness(t *testing.T) {
	t.Parallel()

	r := NewResolver(StrategyMergeData,
		WithValidator(func(*record.Record) error {
			return errors.New("missing student reference")
		}))
	existing := rec("student:1", newer, map[string]any{"grade": 7})
	incoming := rec("student:1", older, map[string]any{"grade": 6})

	outcome, err := r.Resolve(incoming, existing)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindConstraint, syncerr.KindOf(err))

	require.NotNil(t, outcome)
	assert.False(t, outcome.Write)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, TypeIntegrityViolation, outcome.Conflict.Type)
}

func TestResolveNilIncoming(t *testing.T) {
	t.Parallel()

	r := NewResolver(StrategyLastModifiedWins)
	_, err := r.Resolve(nil, nil)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}

func TestNewResolverFallsBackToDefaultStrategy(t *testing.T) {
	t.Parallel()

	r := NewResolver(Strategy("NOT_A_STRATEGY"))
	assert.Equal(t, StrategyLastModifiedWins, r.strategy)
}
