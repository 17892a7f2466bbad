package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityLow < PriorityNormal)
	assert.True(t, PriorityNormal < PriorityHigh)
	assert.True(t, PriorityHigh < PriorityCritical)
}

func TestParsePriority(t *testing.T) {
	for name, want := range map[string]Priority{
		"low":      PriorityLow,
		"normal":   PriorityNormal,
		"high":     PriorityHigh,
		"critical": PriorityCritical,
	} {
		got, err := ParsePriority(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestPriorityYAML(t *testing.T) {
	var p Priority
	require.NoError(t, yaml.Unmarshal([]byte("critical"), &p))
	assert.Equal(t, PriorityCritical, p)

	assert.Error(t, yaml.Unmarshal([]byte("whenever"), &p))

	out, err := yaml.Marshal(PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, "high\n", string(out))
}

func TestSlotCost(t *testing.T) {
	assert.Equal(t, int64(1), (&Task{}).SlotCost())
	assert.Equal(t, int64(1), (&Task{Slots: -2}).SlotCost())
	assert.Equal(t, int64(3), (&Task{Slots: 3}).SlotCost())
}

func TestIsOverdue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Task{Status: StatusPending}).IsOverdue(now))
	assert.True(t, (&Task{Status: StatusPending, Deadline: &past}).IsOverdue(now))
	assert.False(t, (&Task{Status: StatusPending, Deadline: &future}).IsOverdue(now))
	// Running and terminal tasks are never overdue.
	assert.False(t, (&Task{Status: StatusRunning, Deadline: &past}).IsOverdue(now))
	assert.False(t, (&Task{Status: StatusCompleted, Deadline: &past}).IsOverdue(now))
}

func TestGenerateID(t *testing.T) {
	for _, typ := range []IDType{IDTypeTask, IDTypeRun, IDTypeWorker} {
		id, err := GenerateID(typ)
		require.NoError(t, err)
		assert.True(t, ValidateID(id), id)

		parsed, err := ParseIDType(id)
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)

		ts, err := ParseIDTimestamp(id)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), ts, time.Minute)
	}

	_, err := GenerateID(IDType("thing"))
	assert.Error(t, err)
	assert.False(t, ValidateID("task_123"))
}
