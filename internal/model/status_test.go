package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskTransitions(t *testing.T) {
	valid := []struct{ from, to Status }{
		{StatusPending, StatusScheduled},
		{StatusPending, StatusCancelled},
		{StatusScheduled, StatusRunning},
		{StatusScheduled, StatusPending},
		{StatusScheduled, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusRetrying},
		{StatusRunning, StatusCancelled},
		{StatusRetrying, StatusPending},
		{StatusRetrying, StatusCancelled},
	}
	for _, tc := range valid {
		assert.NoError(t, ValidateTaskTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	invalid := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCompleted},
		{StatusScheduled, StatusCompleted},
		{StatusScheduled, StatusFailed},
		{StatusRetrying, StatusRunning},
		{StatusCompleted, StatusPending},
		{StatusFailed, StatusPending},
		{StatusCancelled, StatusRunning},
	}
	for _, tc := range invalid {
		assert.Error(t, ValidateTaskTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, IsTerminal(StatusCompleted))
	assert.True(t, IsTerminal(StatusFailed))
	assert.True(t, IsTerminal(StatusCancelled))
	assert.False(t, IsTerminal(StatusPending))
	assert.False(t, IsTerminal(StatusScheduled))
	assert.False(t, IsTerminal(StatusRunning))
	assert.False(t, IsTerminal(StatusRetrying))
}

func TestRunTransitions(t *testing.T) {
	assert.NoError(t, ValidateRunTransition(RunStatusInitialized, RunStatusRunning))
	assert.NoError(t, ValidateRunTransition(RunStatusRunning, RunStatusFinalized))
	assert.NoError(t, ValidateRunTransition(RunStatusRunning, RunStatusFailed))
	assert.NoError(t, ValidateRunTransition(RunStatusRunning, RunStatusCancelled))

	assert.Error(t, ValidateRunTransition(RunStatusInitialized, RunStatusFinalized))
	assert.Error(t, ValidateRunTransition(RunStatusFinalized, RunStatusRunning))
	assert.Error(t, ValidateRunTransition(RunStatusFailed, RunStatusRunning))
}

func TestStageTransitions(t *testing.T) {
	assert.NoError(t, ValidateStageTransition(StageStatusPending, StageStatusRunning))
	assert.NoError(t, ValidateStageTransition(StageStatusRunning, StageStatusGating))
	assert.NoError(t, ValidateStageTransition(StageStatusGating, StageStatusPassed))
	assert.NoError(t, ValidateStageTransition(StageStatusGating, StageStatusRetrying))
	assert.NoError(t, ValidateStageTransition(StageStatusGating, StageStatusFailed))
	assert.NoError(t, ValidateStageTransition(StageStatusRetrying, StageStatusRunning))

	// Run aborts can fail a stage from any non-terminal status.
	assert.NoError(t, ValidateStageTransition(StageStatusPending, StageStatusFailed))
	assert.NoError(t, ValidateStageTransition(StageStatusRunning, StageStatusFailed))
	assert.NoError(t, ValidateStageTransition(StageStatusRetrying, StageStatusFailed))

	assert.Error(t, ValidateStageTransition(StageStatusPending, StageStatusPassed))
	assert.Error(t, ValidateStageTransition(StageStatusRunning, StageStatusPassed))
	assert.Error(t, ValidateStageTransition(StageStatusPassed, StageStatusRunning))
	assert.Error(t, ValidateStageTransition(StageStatusFailed, StageStatusRunning))
}
