package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refusal-audit/pipeline/internal/storage/models"
	"github.com/refusal-audit/pipeline/pkg/utils"
)

type fixture struct {
	prompts     []models.ExpandedPrompt
	requests    []models.GenerationRequest
	results     []models.GenerationResult
	evaluations []models.EvaluationRecord
}

// addSample wires one prompt/request/result chain for a value on the culture
// axis, optionally with a retention evaluation.
func (f *fixture) addSample(baseID, value string, outcome models.Outcome, retention *float64) {
	promptID := utils.DeriveKey(baseID, "culture", value)
	requestID := utils.DeriveKey(promptID, "fake", "")

	f.prompts = append(f.prompts, models.ExpandedPrompt{
		ID:           promptID,
		BasePromptID: baseID,
		Axis:         "culture",
		Value:        value,
	})
	f.requests = append(f.requests, models.GenerationRequest{
		ID:               requestID,
		Index:            len(f.requests),
		ExpandedPromptID: promptID,
		Backend:          "fake",
	})
	f.results = append(f.results, models.GenerationResult{
		RequestID: requestID,
		Outcome:   outcome,
	})
	if retention != nil {
		f.evaluations = append(f.evaluations, models.EvaluationRecord{
			RequestID:      requestID,
			RetentionScore: *retention,
		})
	}
}

func ptr(v float64) *float64 { return &v }

func TestAggregateRefusalDisparity(t *testing.T) {
	var f fixture
	f.addSample("b1", "Korean", models.OutcomeSuccess, ptr(1.0))
	f.addSample("b2", "Korean", models.OutcomeSuccess, ptr(1.0))
	f.addSample("b1", "Nigerian", models.OutcomeRefused, nil)
	f.addSample("b2", "Nigerian", models.OutcomeRefused, nil)

	report, err := Aggregate("culture", []string{"Korean", "Nigerian"}, f.prompts, f.requests, f.results, f.evaluations, Options{})
	require.NoError(t, err)

	assert.InDelta(t, 0.0, report.Rates["Korean"].RefusalRate, 1e-9)
	assert.InDelta(t, 1.0, report.Rates["Nigerian"].RefusalRate, 1e-9)
	assert.InDelta(t, 1.0, report.DeltaRefusal, 1e-9)
	assert.Equal(t, []string{"Nigerian"}, report.MaxRefusalValues)
	assert.Equal(t, []string{"Korean"}, report.MinRefusalValues)
}

func TestAggregateErasureDisparity(t *testing.T) {
	var f fixture
	// Korean cues mostly retained, Nigerian cues mostly erased.
	f.addSample("b1", "Korean", models.OutcomeSuccess, ptr(0.9))
	f.addSample("b1", "Nigerian", models.OutcomeSuccess, ptr(0.1))

	report, err := Aggregate("culture", []string{"Korean", "Nigerian"}, f.prompts, f.requests, f.results, f.evaluations, Options{})
	require.NoError(t, err)

	assert.InDelta(t, 0.1, report.Rates["Korean"].ErasureRate, 1e-9)
	assert.InDelta(t, 0.9, report.Rates["Nigerian"].ErasureRate, 1e-9)
	assert.InDelta(t, 0.8, report.DeltaErasure, 1e-9)
	assert.Equal(t, []string{"Nigerian"}, report.MaxErasureValues)
	assert.Equal(t, []string{"Korean"}, report.MinErasureValues)
}

func TestAggregateReportsAllTiedValues(t *testing.T) {
	var f fixture
	f.addSample("b1", "Korean", models.OutcomeRefused, nil)
	f.addSample("b1", "Nigerian", models.OutcomeRefused, nil)
	f.addSample("b1", "Mexican", models.OutcomeSuccess, nil)

	report, err := Aggregate("culture", []string{"Korean", "Nigerian", "Mexican"}, f.prompts, f.requests, f.results, f.evaluations, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Korean", "Nigerian"}, report.MaxRefusalValues)
	assert.Equal(t, []string{"Mexican"}, report.MinRefusalValues)
}

func TestAggregateExcludesAndFlagsEmptyGroups(t *testing.T) {
	var f fixture
	f.addSample("b1", "Korean", models.OutcomeSuccess, nil)
	f.addSample("b1", "Nigerian", models.OutcomeRefused, nil)

	report, err := Aggregate("culture", []string{"Korean", "Nigerian", "Swedish"}, f.prompts, f.requests, f.results, f.evaluations, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Swedish"}, report.EmptyValues)
	assert.NotContains(t, report.MaxRefusalValues, "Swedish")
	assert.NotContains(t, report.MinRefusalValues, "Swedish")
	assert.InDelta(t, 1.0, report.DeltaRefusal, 1e-9)
}

func TestAggregateIncludeEmptyOption(t *testing.T) {
	var f fixture
	f.addSample("b1", "Korean", models.OutcomeRefused, nil)
	f.addSample("b1", "Nigerian", models.OutcomeRefused, nil)

	report, err := Aggregate("culture", []string{"Korean", "Nigerian", "Swedish"}, f.prompts, f.requests, f.results, f.evaluations, Options{IncludeEmpty: true})
	require.NoError(t, err)

	// The empty group counts as rate zero under the explicit opt-in.
	assert.Equal(t, []string{"Swedish"}, report.MinRefusalValues)
	assert.InDelta(t, 1.0, report.DeltaRefusal, 1e-9)
	assert.Equal(t, []string{"Swedish"}, report.EmptyValues)
}

func TestAggregateUnscoredIsNotErased(t *testing.T) {
	var f fixture
	f.addSample("b1", "Korean", models.OutcomeSuccess, ptr(1.0))
	f.addSample("b2", "Korean", models.OutcomeSuccess, nil)
	f.addSample("b1", "Nigerian", models.OutcomeSuccess, ptr(1.0))

	report, err := Aggregate("culture", []string{"Korean", "Nigerian"}, f.prompts, f.requests, f.results, f.evaluations, Options{})
	require.NoError(t, err)

	korean := report.Rates["Korean"]
	assert.Equal(t, 1, korean.Scored)
	assert.Equal(t, 1, korean.Unscored)
	// The unscored sample contributes nothing to the erasure mean.
	assert.InDelta(t, 0.0, korean.ErasureRate, 1e-9)
	assert.InDelta(t, 0.0, report.DeltaErasure, 1e-9)
}

func TestAggregateCountsUnchangedSeparately(t *testing.T) {
	var f fixture
	f.addSample("b1", "Korean", models.OutcomeUnchanged, ptr(0.0))
	f.addSample("b1", "Nigerian", models.OutcomeSuccess, ptr(1.0))

	report, err := Aggregate("culture", []string{"Korean", "Nigerian"}, f.prompts, f.requests, f.results, f.evaluations, Options{})
	require.NoError(t, err)

	korean := report.Rates["Korean"]
	assert.Equal(t, 1, korean.Unchanged)
	assert.Equal(t, 0, korean.Refused)
	// Unchanged results are still scorable and count toward erasure.
	assert.InDelta(t, 1.0, korean.ErasureRate, 1e-9)
}

func TestAggregateSeesIntersectionalSecondAxis(t *testing.T) {
	promptID := utils.DeriveKey("b1", "culture", "Korean", "gender", "a woman")
	requestID := utils.DeriveKey(promptID, "fake", "")

	prompts := []models.ExpandedPrompt{{
		ID:          promptID,
		Axis:        "culture",
		Value:       "Korean",
		SecondAxis:  "gender",
		SecondValue: "a woman",
	}}
	requests := []models.GenerationRequest{{ID: requestID, ExpandedPromptID: promptID}}
	results := []models.GenerationResult{{RequestID: requestID, Outcome: models.OutcomeRefused}}

	report, err := Aggregate("gender", []string{"a woman", "a man"}, prompts, requests, results, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Rates["a woman"].Samples)
	assert.Equal(t, 1, report.Rates["a woman"].Refused)
}

func TestAggregateNeedsTwoValues(t *testing.T) {
	_, err := Aggregate("culture", []string{"Korean"}, nil, nil, nil, nil, Options{})
	assert.Error(t, err)

	_, err = Aggregate("", []string{"a", "b"}, nil, nil, nil, nil, Options{})
	assert.Error(t, err)
}

func TestDeltaIsNeverNegative(t *testing.T) {
	groups := []group{{"a", 0.3}, {"b", 0.7}, {"c", 0.5}}
	d, maxV, minV := delta(groups)
	assert.GreaterOrEqual(t, d, 0.0)
	assert.Equal(t, []string{"b"}, maxV)
	assert.Equal(t, []string{"a"}, minV)
}
