package apperror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsStackAndTimestamp(t *testing.T) {
	err := New(Validation, "bad_input", "amount must be positive")

	assert.Equal(t, Validation, err.Type)
	assert.Equal(t, "bad_input", err.Code)
	assert.False(t, err.Timestamp.IsZero())
	assert.Contains(t, err.Error(), "bad_input")
	assert.Contains(t, err.Error(), "amount must be positive")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, Transient, "bridge_unreachable", "external db write-through failed")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, Transient, "x", "y"))
}

func TestWithContextAccumulates(t *testing.T) {
	err := New(Protocol, "duplicate_evaluation", "dup").
		WithContext("grant_id", int64(42)).
		WithContext("agent_type", "technical")

	assert.Equal(t, int64(42), err.Context["grant_id"])
	assert.Equal(t, "technical", err.Context["agent_type"])
}

func TestIsMatchesByTypeAndCode(t *testing.T) {
	sentinel := New(Capacity, "queue_full", "template")
	occurrence := QueueFull(10000)

	assert.True(t, occurrence.Is(sentinel))

	other := New(Capacity, "something_else", "template")
	assert.False(t, occurrence.Is(other))
}

func TestIsTypeHelper(t *testing.T) {
	err := DuplicateEvaluation(7, "budget")
	assert.True(t, IsType(err, Protocol))
	assert.False(t, IsType(err, Fatal))
	assert.False(t, IsType(errors.New("plain"), Protocol))
}

func TestSentinelConstructors(t *testing.T) {
	cases := []struct {
		name string
		err  *AppError
		typ  Type
		code string
	}{
		{"duplicate agent", DuplicateAgent("technical-1"), Protocol, "duplicate_agent"},
		{"not found", NotFound("grant", "42"), Protocol, "not_found"},
		{"queue full", QueueFull(5), Capacity, "queue_full"},
		{"illegal transition", IllegalTransition("pending", "completed"), Protocol, "illegal_transition"},
		{"duplicate evaluation", DuplicateEvaluation(1, "technical"), Protocol, "duplicate_evaluation"},
		{"validate", Validate("bad"), Validation, "invalid_input"},
		{"timed out", TimedOut("deadline exceeded"), Timeout, "deadline_exceeded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.typ, tc.err.Type)
			assert.Equal(t, tc.code, tc.err.Code)
		})
	}
}
