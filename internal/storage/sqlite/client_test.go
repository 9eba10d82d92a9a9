package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refusal-audit/pipeline/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema())
	return c
}

func seedRequest(t *testing.T, c *Client, runID, requestID string) {
	t.Helper()
	promptID := "p-" + requestID
	require.NoError(t, c.InsertExpandedPrompt(&models.ExpandedPrompt{
		ID:           promptID,
		BasePromptID: "b1",
		Text:         "a chef cooking dinner, the person is Korean",
		Axis:         "culture",
		Value:        "Korean",
		Domain:       "food",
	}))
	require.NoError(t, c.InsertRequest(runID, &models.GenerationRequest{
		ID:               requestID,
		ExpandedPromptID: promptID,
		Backend:          "sdwebui",
	}))
}

func TestEvaluationRoundTrip(t *testing.T) {
	c := newTestClient(t)
	seedRequest(t, c, "run-1", "r1")

	record := &models.EvaluationRecord{
		RequestID:      "r1",
		CuePresent:     models.CueYes,
		RetentionScore: 1.0,
		Rationale:      "clearly visible",
		Votes:          []models.CueVerdict{models.CueYes, models.CueNo, models.CueYes},
		OracleModel:    "test-vision",
		CreatedAt:      time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, c.InsertEvaluation("run-1", record))

	evaluations, err := c.ListEvaluations("run-1")
	require.NoError(t, err)
	require.Len(t, evaluations, 1)
	assert.Equal(t, *record, evaluations[0])
}

func TestListEvaluationsToleratesCorruptVotes(t *testing.T) {
	c := newTestClient(t)
	seedRequest(t, c, "run-1", "r1")

	_, err := c.db.Exec(`
		INSERT INTO evaluation_records (request_id, run_id, cue_present, retention_score, rationale, votes, oracle_model, created_at)
		VALUES ('r1', 'run-1', 'yes', 1.0, '', 'not-json', 'test-vision', 1700000000)
	`)
	require.NoError(t, err)

	evaluations, err := c.ListEvaluations("run-1")
	require.NoError(t, err)
	require.Len(t, evaluations, 1)
	assert.Equal(t, models.CueYes, evaluations[0].CuePresent)
	assert.Nil(t, evaluations[0].Votes)
}
