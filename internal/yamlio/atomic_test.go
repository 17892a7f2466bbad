package yamlio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tkodaira/pipeflow/internal/model"
)

func TestAtomicWriteSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "run_0000000001_aaaaaaaa.yaml")

	summary := &model.RunSummary{
		RunID:           "run_0000000001_aaaaaaaa",
		Template:        "publish-article",
		Success:         true,
		StagesCompleted: 3,
		TotalCost:       5.25,
		TotalDuration:   90 * time.Second,
	}
	require.NoError(t, AtomicWrite(path, summary))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var got model.RunSummary
	require.NoError(t, yaml.Unmarshal(content, &got))
	assert.Equal(t, summary.RunID, got.RunID)
	assert.Equal(t, 3, got.StagesCompleted)
	assert.Equal(t, 5.25, got.TotalCost)
}

func TestAtomicWriteReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.yaml")

	require.NoError(t, AtomicWrite(path, map[string]string{"health": "healthy"}))
	require.NoError(t, AtomicWrite(path, map[string]string{"health": "warning"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, yaml.Unmarshal(content, &got))
	assert.Equal(t, "warning", got["health"])
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, AtomicWrite(filepath.Join(dir, "out.yaml"), map[string]int{"n": 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.yaml", entries[0].Name())
}

func TestAtomicWriteRawRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")
	require.NoError(t, AtomicWriteRaw(path, []byte("ok: true\n")))

	err := AtomicWriteRaw(path, []byte("{unclosed: [\n"))
	assert.Error(t, err)

	// The previous good content is untouched.
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ok: true\n", string(content))
}
