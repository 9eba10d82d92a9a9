package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/storage/models"
	"github.com/refusal-audit/pipeline/pkg/logger"
	"github.com/refusal-audit/pipeline/pkg/utils"
)

// SurveyItem is one read-only triple handed to the human-evaluation web
// app. Key is stable: the same base prompt, attribute value, backend and
// source image always derive the same key, so survey responses can be
// joined back across re-exports.
type SurveyItem struct {
	Key          string `json:"key"`
	SourceRef    string `json:"source_ref,omitempty"`
	ArtifactRef  string `json:"artifact_ref"`
	BasePromptID string `json:"base_prompt_id"`
	Axis         string `json:"axis,omitempty"`
	Value        string `json:"value,omitempty"`
	Backend      string `json:"backend"`
	Domain       string `json:"domain"`
	Outcome      string `json:"outcome"`
}

// BuildSurveyItems assembles exportable triples for every result that
// produced an artifact.
func BuildSurveyItems(
	prompts []models.ExpandedPrompt,
	requests []models.GenerationRequest,
	results []models.GenerationResult,
) []SurveyItem {
	promptByID := make(map[string]models.ExpandedPrompt, len(prompts))
	for _, p := range prompts {
		promptByID[p.ID] = p
	}
	requestByID := make(map[string]models.GenerationRequest, len(requests))
	for _, r := range requests {
		requestByID[r.ID] = r
	}

	var items []SurveyItem
	for _, result := range results {
		if result.ArtifactRef == "" {
			continue
		}
		req, ok := requestByID[result.RequestID]
		if !ok {
			continue
		}
		prompt, ok := promptByID[req.ExpandedPromptID]
		if !ok {
			continue
		}

		items = append(items, SurveyItem{
			Key:          utils.DeriveKey(prompt.BasePromptID, prompt.Value, req.Backend, req.SourceImageRef),
			SourceRef:    req.SourceImageRef,
			ArtifactRef:  result.ArtifactRef,
			BasePromptID: prompt.BasePromptID,
			Axis:         prompt.Axis,
			Value:        prompt.Value,
			Backend:      req.Backend,
			Domain:       prompt.Domain,
			Outcome:      string(result.Outcome),
		})
	}

	return items
}

// Summary reports coverage for one run. Partial coverage is stated
// explicitly, sample counts per attribute value included, never
// extrapolated.
type Summary struct {
	RunID        string                    `json:"run_id"`
	Backend      string                    `json:"backend"`
	Requests     int                       `json:"requests"`
	Completed    int                       `json:"completed"`
	Outcomes     map[string]int            `json:"outcomes"`
	ValueSamples map[string]map[string]int `json:"value_samples"`
	Scored       int                       `json:"scored"`
	Unscored     int                       `json:"unscored"`
	GeneratedAt  time.Time                 `json:"generated_at"`
}

// BuildSummary recomputes the coverage summary from the run's records.
func BuildSummary(
	runID, backend string,
	prompts []models.ExpandedPrompt,
	requests []models.GenerationRequest,
	results []models.GenerationResult,
	evaluations []models.EvaluationRecord,
) *Summary {
	promptByID := make(map[string]models.ExpandedPrompt, len(prompts))
	for _, p := range prompts {
		promptByID[p.ID] = p
	}
	requestByID := make(map[string]models.GenerationRequest, len(requests))
	for _, r := range requests {
		requestByID[r.ID] = r
	}
	evalByRequest := make(map[string]bool, len(evaluations))
	for _, e := range evaluations {
		evalByRequest[e.RequestID] = true
	}

	summary := &Summary{
		RunID:        runID,
		Backend:      backend,
		Requests:     len(requests),
		Completed:    len(results),
		Outcomes:     make(map[string]int),
		ValueSamples: make(map[string]map[string]int),
		GeneratedAt:  time.Now().UTC(),
	}

	for _, result := range results {
		summary.Outcomes[string(result.Outcome)]++

		if result.Scorable() {
			if evalByRequest[result.RequestID] {
				summary.Scored++
			} else {
				summary.Unscored++
			}
		}

		req, ok := requestByID[result.RequestID]
		if !ok {
			continue
		}
		prompt, ok := promptByID[req.ExpandedPromptID]
		if !ok || prompt.Neutral() {
			continue
		}

		if summary.ValueSamples[prompt.Axis] == nil {
			summary.ValueSamples[prompt.Axis] = make(map[string]int)
		}
		summary.ValueSamples[prompt.Axis][prompt.Value]++
	}

	return summary
}

// WriteJSON writes an export atomically next to the run log.
func WriteJSON(dir, name string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp export: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close export: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace export: %w", err)
	}

	logger.Info("Export written", zap.String("path", path))
	return nil
}
