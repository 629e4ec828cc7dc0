package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mibody/internal/ir"
)

func TestQuotaEnforcer(t *testing.T) {
	q := NewQuotaEnforcer(3)

	require.NoError(t, q.Check(ir.CommandActivate))
	require.NoError(t, q.Check(ir.CommandContinueFanOut))
	require.NoError(t, q.Check(ir.CommandContinueFanOut))

	err := q.Check(ir.CommandChildCompleted)
	require.Error(t, err)
	assert.True(t, IsStepsExceededError(err))
	assert.True(t, IsQuotaError(err))
	assert.Equal(t, 4, q.Current())
	assert.Equal(t, 2, q.Count(ir.CommandContinueFanOut))
	assert.Contains(t, err.Error(), "4 steps > 3 limit (mostly continue_fan_out)")

	q.Reset()
	assert.Equal(t, 0, q.Current())
	assert.Equal(t, 0, q.Count(ir.CommandContinueFanOut))
	assert.NoError(t, q.Check(ir.CommandTerminate))
}

func TestQuotaEnforcer_DominantTieBreak(t *testing.T) {
	q := NewQuotaEnforcer(1)
	require.NoError(t, q.Check(ir.CommandTrigger))

	var se *StepsExceededError
	require.ErrorAs(t, q.Check(ir.CommandActivate), &se)
	assert.Equal(t, ir.CommandActivate, se.Dominant)
}

func TestQuotaEnforcer_Unlimited(t *testing.T) {
	q := NewQuotaEnforcer(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Check(ir.CommandChildTerminated))
	}
	assert.Equal(t, 1000, q.Count(ir.CommandChildTerminated))
}

func TestQuotaError_Wrapped(t *testing.T) {
	err := NewQuotaError("body-1", &StepsExceededError{Steps: 11, Limit: 10, Dominant: ir.CommandChildCompleted})
	wrapped := fmt.Errorf("process: %w", err)

	assert.True(t, IsQuotaError(wrapped))
	assert.True(t, IsStepsExceededError(wrapped))
	assert.True(t, IsRuntimeError(wrapped, ErrCodeQuotaExceeded))
	assert.Equal(t, "10", err.Details["max_steps"])
	assert.Equal(t, "child_completed", err.Details["dominant"])
	assert.Contains(t, err.Error(), "body=body-1")
}
