package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rx3lixir/codearena/pkg/apperr"
)

var errRoomFull = apperr.New(apperr.CodeConflict, "room is full")

func TestIsMatchesCodeAndMessage(t *testing.T) {
	wrapped := fmt.Errorf("join room: %w", apperr.New(apperr.CodeConflict, "room is full"))

	assert.ErrorIs(t, wrapped, errRoomFull)
	assert.NotErrorIs(t, wrapped, apperr.New(apperr.CodeConflict, "already in a room"))
}

func TestClassification(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")

	tests := []struct {
		name    string
		err     error
		code    string
		message string
	}{
		{"not found", apperr.New(apperr.CodeNotFound, "room not found"), apperr.CodeNotFound, "room not found"},
		{"validation", apperr.Validation("message too long"), apperr.CodeValidation, "message too long"},
		{"unavailable", apperr.Unavailable(cause, "room store"), apperr.CodeUnavailable, "room store is unavailable"},
		{"plain error", cause, "", "Something went wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, apperr.CodeOf(tt.err))
			assert.Equal(t, tt.message, apperr.Message(tt.err))
		})
	}

	assert.True(t, apperr.IsUnavailable(apperr.Unavailable(cause, "redis")))
	assert.ErrorIs(t, apperr.Unavailable(cause, "redis"), cause)
	assert.True(t, apperr.IsNotFound(fmt.Errorf("x: %w", apperr.New(apperr.CodeNotFound, "gone"))))
	assert.False(t, apperr.IsConflict(cause))
	assert.True(t, apperr.IsValidation(apperr.Validation("bad")))
}
