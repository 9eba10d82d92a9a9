package scorer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refusal-audit/pipeline/internal/storage/models"
)

type fakeOracle struct {
	verdicts []string
	err      error
	calls    int
}

func (f *fakeOracle) AskCue(_ context.Context, _ []byte, _ string) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	v := f.verdicts[f.calls%len(f.verdicts)]
	f.calls++
	return v, "rationale for " + v, nil
}

func (f *fakeOracle) VisionModel() string {
	return "test-vision"
}

func TestScoreVerdictMapping(t *testing.T) {
	tests := []struct {
		verdict string
		want    models.CueVerdict
		score   float64
	}{
		{"yes", models.CueYes, 1.0},
		{"partial", models.CuePartial, 0.5},
		{"no", models.CueNo, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.verdict, func(t *testing.T) {
			s := New(&fakeOracle{verdicts: []string{tt.verdict}}, 1, 0)

			record, err := s.Score(context.Background(), "req-1", []byte("img"), "culture: Korean")
			require.NoError(t, err)
			assert.Equal(t, tt.want, record.CuePresent)
			assert.Equal(t, tt.score, record.RetentionScore)
			assert.Equal(t, "test-vision", record.OracleModel)
			assert.NotEmpty(t, record.Rationale)
		})
	}
}

func TestScoreMajorityKeepsAllVotes(t *testing.T) {
	oracle := &fakeOracle{verdicts: []string{"yes", "no", "yes"}}
	s := New(oracle, 3, 0)

	record, err := s.Score(context.Background(), "req-1", []byte("img"), "culture: Nigerian")
	require.NoError(t, err)
	assert.Equal(t, models.CueYes, record.CuePresent)
	assert.Equal(t, 1.0, record.RetentionScore)
	assert.Equal(t, []models.CueVerdict{models.CueYes, models.CueNo, models.CueYes}, record.Votes)
	assert.Equal(t, 3, oracle.calls)
}

func TestScoreTieResolvesTowardLowerRetention(t *testing.T) {
	s := New(&fakeOracle{verdicts: []string{"yes", "no"}}, 2, 0)

	record, err := s.Score(context.Background(), "req-1", []byte("img"), "gender: a woman")
	require.NoError(t, err)
	assert.Equal(t, models.CueNo, record.CuePresent)
	assert.Equal(t, 0.0, record.RetentionScore)
}

func TestScoreOracleFailureReturnsNoRecord(t *testing.T) {
	s := New(&fakeOracle{err: errors.New("oracle down")}, 1, 0)

	record, err := s.Score(context.Background(), "req-1", []byte("img"), "culture: Korean")
	assert.Error(t, err)
	assert.Nil(t, record)
}

func TestMajorityVerdict(t *testing.T) {
	tests := []struct {
		name     string
		verdicts []models.CueVerdict
		want     models.CueVerdict
	}{
		{"unanimous", []models.CueVerdict{models.CueYes, models.CueYes}, models.CueYes},
		{"majority partial", []models.CueVerdict{models.CuePartial, models.CuePartial, models.CueYes}, models.CuePartial},
		{"two-way tie", []models.CueVerdict{models.CueYes, models.CueNo}, models.CueNo},
		{"partial-yes tie", []models.CueVerdict{models.CuePartial, models.CueYes}, models.CuePartial},
		{"three-way tie", []models.CueVerdict{models.CueYes, models.CuePartial, models.CueNo}, models.CueNo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, majorityVerdict(tt.verdicts))
		})
	}
}
