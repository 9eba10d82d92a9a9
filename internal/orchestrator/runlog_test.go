package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refusal-audit/pipeline/internal/storage/models"
)

func testResult(id string, index int, outcome models.Outcome) models.GenerationResult {
	return models.GenerationResult{
		RequestID:    id,
		Index:        index,
		Outcome:      outcome,
		AttemptCount: 1,
		Timestamp:    time.Now().UTC(),
	}
}

func TestRunLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	log, err := OpenRunLog(dir)
	require.NoError(t, err)
	require.NoError(t, log.Append(testResult("req-a", 0, models.OutcomeSuccess)))
	require.NoError(t, log.Append(testResult("req-b", 1, models.OutcomeRefused)))

	reopened, err := OpenRunLog(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	assert.True(t, reopened.Completed("req-a"))
	assert.True(t, reopened.Completed("req-b"))
	assert.False(t, reopened.Completed("req-c"))

	results := reopened.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "req-a", results[0].RequestID)
	assert.Equal(t, models.OutcomeRefused, results[1].Outcome)
}

func TestRunLogOverwritesByRequestID(t *testing.T) {
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, log.Append(testResult("req-a", 0, models.OutcomeFailed)))
	require.NoError(t, log.Append(testResult("req-a", 0, models.OutcomeSuccess)))

	assert.Equal(t, 1, log.Len())
	results := log.Results()
	assert.Equal(t, models.OutcomeSuccess, results[0].Outcome)
}

func TestRunLogKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenRunLog(dir)
	require.NoError(t, err)

	require.NoError(t, log.Append(testResult("req-a", 0, models.OutcomeSuccess)))
	require.NoError(t, log.Append(testResult("req-b", 1, models.OutcomeSuccess)))

	_, err = os.Stat(filepath.Join(dir, "results.json.bak"))
	assert.NoError(t, err)

	// No stray temp files either way.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestRunLogRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results.json"), []byte("{not json"), 0o644))

	_, err := OpenRunLog(dir)
	assert.Error(t, err)
}

func TestRunLogResultsIsASnapshot(t *testing.T) {
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, log.Append(testResult("req-a", 0, models.OutcomeSuccess)))

	snapshot := log.Results()
	snapshot[0].Outcome = models.OutcomeFailed

	assert.Equal(t, models.OutcomeSuccess, log.Results()[0].Outcome)
}
