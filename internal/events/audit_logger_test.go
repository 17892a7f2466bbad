package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.WriteEntry(&LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: "task_completed",
		TaskID:    "task_0000000001_aaaaaaaa",
		Details:   map[string]any{"cost": 1.5},
	}))
	require.NoError(t, l.WriteEntry(&LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: "run_finished",
		RunID:     "run_0000000001_bbbbbbbb",
	}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, "task_completed", entries[0].EventType)
	assert.Equal(t, "task_0000000001_aaaaaaaa", entries[0].TaskID)
	assert.Equal(t, "run_finished", entries[1].EventType)
}

func TestAuditLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	l, err := NewAuditLogger(path, 300)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.WriteEntry(&LogEntry{
			Timestamp: time.Now().UTC(),
			EventType: "task_started",
			Details:   map[string]any{"padding": "0123456789012345678901234567890123456789"},
		}))
	}

	archive, err := os.ReadDir(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	assert.NotEmpty(t, archive)

	// Current file stays under the limit after rotation.
	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, stat.Size(), int64(300))
}

func TestAuditLoggerRecordsBusEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)
	defer l.Close()

	bus := NewBus(10)
	defer bus.Close()
	bus.Subscribe(EventStageTransition, l.RecordEvent)

	bus.Publish(EventStageTransition, map[string]any{
		"run_id": "run_0000000001_cccccccc",
		"stage":  "review",
		"to":     "gating",
	})

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry LogEntry
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &entry))
	assert.Equal(t, "stage_transition", entry.EventType)
	assert.Equal(t, "run_0000000001_cccccccc", entry.RunID)
	assert.Equal(t, "review", entry.Stage)
}
