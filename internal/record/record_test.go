package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsStableAcrossFieldOrder(t *testing.T) {
	t.Parallel()

	a := &Record{
		Key:    "student:1",
		Entity: "students",
		Payload: map[string]any{
			"firstName": "Ada",
			"lastName":  "Lovelace",
			"grade":     7,
		},
	}
	b := &Record{
		Key:    "student:1",
		Entity: "students",
		Payload: map[string]any{
			"grade":     7,
			"lastName":  "Lovelace",
			"firstName": "Ada",
		},
	}

	hashA, err := a.Hash()
	require.NoError(t, err)
	hashB, err := b.Hash()
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
}

func TestHashDiffersForDifferentPayloads(t *testing.T) {
	t.Parallel()

	a := &Record{Key: "student:1", Payload: map[string]any{"grade": 7}}
	b := &Record{Key: "student:1", Payload: map[string]any{"grade": 8}}

	hashA, err := a.Hash()
	require.NoError(t, err)
	hashB, err := b.Hash()
	require.NoError(t, err)

	assert.NotEqual(t, hashA, hashB)
}

func TestClone(t *testing.T) {
	t.Parallel()

	original := &Record{
		Key:              "student:1",
		Entity:           "students",
		Payload:          map[string]any{"firstName": "Ada"},
		SourceModifiedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	clone := original.Clone()
	require.NotNil(t, clone)
	assert.Equal(t, original, clone)

	clone.Payload["firstName"] = "Grace"
	assert.Equal(t, "Ada", original.Payload["firstName"])
}

func TestCloneNil(t *testing.T) {
	t.Parallel()

	var r *Record
	assert.Nil(t, r.Clone())
}
