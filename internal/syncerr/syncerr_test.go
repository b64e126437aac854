package syncerr

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind      Kind
		retryable bool
		severity  Severity
	}{
		{KindAPI, true, SeverityLow},
		{KindNetwork, true, SeverityLow},
		{KindTimeout, true, SeverityLow},
		{KindDeadlock, true, SeverityHigh},
		{KindDatabase, false, SeverityHigh},
		{KindValidation, false, SeverityMedium},
		{KindAuthentication, false, SeverityMedium},
		{KindAuthorization, false, SeverityMedium},
		{KindDataFormat, false, SeverityMedium},
		{KindConstraint, false, SeverityMedium},
	}

	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()

			err := New(tc.kind, "boom")
			assert.Equal(t, tc.retryable, err.Retryable)
			assert.Equal(t, tc.severity, err.Severity)
			assert.Equal(t, -1, err.BatchIndex)
			assert.False(t, err.Timestamp.IsZero())
		})
	}
}

func TestWrapUnwraps(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := Wrap(KindNetwork, cause, "fetch failed")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "NETWORK_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestClassificationHelpers(t *testing.T) {
	t.Parallel()

	classified := New(KindTimeout, "slow")
	assert.Equal(t, KindTimeout, KindOf(classified))
	assert.True(t, IsRetryable(classified))

	plain := errors.New("who knows")
	assert.Equal(t, KindAPI, KindOf(plain))
	assert.False(t, IsRetryable(plain))

	wrapped := AsError(plain)
	require.NotNil(t, wrapped)
	assert.Equal(t, KindAPI, wrapped.Kind)
	assert.False(t, wrapped.Retryable)
	assert.ErrorIs(t, wrapped, plain)

	// Already-classified errors pass through unchanged.
	assert.Same(t, classified, AsError(classified))
}

func TestExhaust(t *testing.T) {
	t.Parallel()

	err := New(KindNetwork, "flaky")
	require.True(t, err.Retryable)

	err.Exhaust(5)
	assert.False(t, err.Retryable)
	assert.Equal(t, 5, err.RetryCount)
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	opID := uuid.New()
	original := Wrap(KindConstraint, errors.New("fk violation"), "write rejected").
		WithSeverity(SeverityHigh).
		WithRecord(opID, 3, "student:42")

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Error
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.Kind, decoded.Kind)
	assert.Equal(t, original.Severity, decoded.Severity)
	assert.Equal(t, original.Message, decoded.Message)
	assert.Equal(t, original.Retryable, decoded.Retryable)
	assert.Equal(t, opID, decoded.OperationID)
	assert.Equal(t, 3, decoded.BatchIndex)
	assert.Equal(t, "student:42", decoded.RecordKey)
	require.NotNil(t, decoded.Err)
	assert.Equal(t, "fk violation", decoded.Err.Error())
}
