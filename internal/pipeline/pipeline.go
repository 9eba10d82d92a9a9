package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/aggregate"
	"github.com/refusal-audit/pipeline/internal/backends"
	"github.com/refusal-audit/pipeline/internal/catalog"
	"github.com/refusal-audit/pipeline/internal/export"
	"github.com/refusal-audit/pipeline/internal/metrics"
	"github.com/refusal-audit/pipeline/internal/orchestrator"
	"github.com/refusal-audit/pipeline/internal/scorer"
	"github.com/refusal-audit/pipeline/internal/storage/models"
	"github.com/refusal-audit/pipeline/internal/storage/sqlite"
	"github.com/refusal-audit/pipeline/internal/synth"
	"github.com/refusal-audit/pipeline/pkg/logger"
	"github.com/refusal-audit/pipeline/pkg/utils"
)

// Pipeline runs the full audit: expand the corpus, drive the backend,
// score surviving artifacts, and aggregate disparity per axis. The
// orchestrator owns all result writes; the pipeline only mirrors committed
// records into the queryable store and reads them back for aggregation.
type Pipeline struct {
	synthesizer *synth.Synthesizer
	orch        *orchestrator.Orchestrator
	scorer      *scorer.Scorer
	artifacts   *backends.ArtifactStore
	db          *sqlite.Client

	runID     string
	runDir    string
	backend   string
	sourceDir string
	aggOpts   aggregate.Options
}

type Options struct {
	RunID          string
	RunDir         string
	Backend        string
	SourceImageDir string
	AggOpts        aggregate.Options
}

// Output collects everything a completed run produced.
type Output struct {
	Prompts     []models.ExpandedPrompt
	Requests    []models.GenerationRequest
	Results     []models.GenerationResult
	Evaluations []models.EvaluationRecord
	Missing     int
	Reports     []*aggregate.Report
	Summary     *export.Summary
}

func New(
	synthesizer *synth.Synthesizer,
	orch *orchestrator.Orchestrator,
	sc *scorer.Scorer,
	artifacts *backends.ArtifactStore,
	db *sqlite.Client,
	opts Options,
) *Pipeline {
	return &Pipeline{
		synthesizer: synthesizer,
		orch:        orch,
		scorer:      sc,
		artifacts:   artifacts,
		db:          db,
		runID:       opts.RunID,
		runDir:      opts.RunDir,
		backend:     opts.Backend,
		sourceDir:   opts.SourceImageDir,
		aggOpts:     opts.AggOpts,
	}
}

// BuildRequests derives the deterministic request list for an expanded
// prompt set. Request ids hash the (run-independent) prompt id with the
// backend and source ref, so re-building the list for a resume yields
// byte-identical ordering and ids.
func (p *Pipeline) BuildRequests(prompts []models.ExpandedPrompt, sourceImages map[string]string) []models.GenerationRequest {
	requests := make([]models.GenerationRequest, 0, len(prompts))
	for i, prompt := range prompts {
		sourceRef := sourceImages[prompt.BasePromptID]
		requests = append(requests, models.GenerationRequest{
			ID:               utils.DeriveKey(prompt.ID, p.backend, sourceRef),
			Index:            i,
			ExpandedPromptID: prompt.ID,
			Backend:          p.backend,
			SourceImageRef:   sourceRef,
		})
	}
	return requests
}

// LoadSourceImages stages demographic source images for image-to-image
// runs. Files are matched to base prompts by stem: <base_prompt_id>.png.
func (p *Pipeline) LoadSourceImages(dir string, basePrompts []models.BasePrompt) (map[string]string, error) {
	if dir == "" {
		return nil, nil
	}

	refs := make(map[string]string, len(basePrompts))
	for _, base := range basePrompts {
		path := filepath.Join(dir, base.ID+".png")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read source image for %s: %w", base.ID, err)
		}

		ref, err := p.artifacts.Put(data, p.backend)
		if err != nil {
			return nil, fmt.Errorf("failed to stage source image for %s: %w", base.ID, err)
		}
		refs[base.ID] = ref
	}

	logger.Info("Source images staged", zap.Int("count", len(refs)))
	return refs, nil
}

// Run executes the audit end to end and writes the run's exports.
func (p *Pipeline) Run(
	ctx context.Context,
	basePrompts []models.BasePrompt,
	axes []catalog.Axis,
	synthOpts synth.Options,
	resumeFrom int,
) (*Output, error) {
	prompts, err := p.synthesizer.Expand(ctx, basePrompts, axes, synthOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to expand prompts: %w", err)
	}

	sourceImages, err := p.LoadSourceImages(p.sourceDir, basePrompts)
	if err != nil {
		return nil, err
	}

	requests := p.BuildRequests(prompts, sourceImages)
	p.mirrorInputs(prompts, requests)

	promptByID := make(map[string]models.ExpandedPrompt, len(prompts))
	for _, prompt := range prompts {
		promptByID[prompt.ID] = prompt
	}

	results, runErr := p.orch.Run(ctx, requests, promptByID, resumeFrom)
	p.mirrorResults(results)
	if runErr != nil {
		// The log is valid for resume; still summarize what completed.
		logger.Warn("Run ended early", zap.Error(runErr))
	}

	evaluations, missing := p.scoreResults(ctx, promptByID, requests, results)

	out := &Output{
		Prompts:     prompts,
		Requests:    requests,
		Results:     results,
		Evaluations: evaluations,
		Missing:     missing,
	}

	for _, axis := range axes {
		values := make([]string, 0, len(axis.Values))
		for _, v := range axis.Values {
			values = append(values, v.Name)
		}

		report, err := aggregate.Aggregate(axis.Name, values, prompts, requests, results, evaluations, p.aggOpts)
		if err != nil {
			logger.Warn("Aggregation skipped", zap.String("axis", axis.Name), zap.Error(err))
			continue
		}
		out.Reports = append(out.Reports, report)

		if err := export.WriteJSON(p.runDir, "report_"+sanitize(axis.Name)+".json", report); err != nil {
			logger.Error("Failed to write report", zap.String("axis", axis.Name), zap.Error(err))
		}
	}

	out.Summary = export.BuildSummary(p.runID, p.backend, prompts, requests, results, evaluations)
	if err := export.WriteJSON(p.runDir, "summary.json", out.Summary); err != nil {
		logger.Error("Failed to write summary", zap.Error(err))
	}

	items := export.BuildSurveyItems(prompts, requests, results)
	if err := export.WriteJSON(p.runDir, "survey_items.json", items); err != nil {
		logger.Error("Failed to write survey export", zap.Error(err))
	}

	if runErr != nil {
		return out, runErr
	}
	return out, nil
}

// scoreResults asks the cue oracle about every scorable result. Oracle
// failures leave the evaluation missing so aggregation can tell "not yet
// scored" apart from "fully erased".
func (p *Pipeline) scoreResults(
	ctx context.Context,
	promptByID map[string]models.ExpandedPrompt,
	requests []models.GenerationRequest,
	results []models.GenerationResult,
) ([]models.EvaluationRecord, int) {
	requestByID := make(map[string]models.GenerationRequest, len(requests))
	for _, r := range requests {
		requestByID[r.ID] = r
	}

	var evaluations []models.EvaluationRecord
	missing := 0

	for _, result := range results {
		if !result.Scorable() || result.ArtifactRef == "" {
			continue
		}

		req, ok := requestByID[result.RequestID]
		if !ok {
			continue
		}
		prompt, ok := promptByID[req.ExpandedPromptID]
		if !ok || prompt.Neutral() {
			continue
		}

		artifact, err := p.artifacts.Get(result.ArtifactRef)
		if err != nil {
			logger.Warn("Artifact unreadable, evaluation marked missing",
				zap.String("request_id", result.RequestID),
				zap.Error(err),
			)
			missing++
			metrics.EvaluationsMissing.Inc()
			continue
		}

		record, err := p.scorer.Score(ctx, result.RequestID, artifact, attributeLabel(prompt))
		if err != nil {
			logger.Warn("Oracle unavailable, evaluation marked missing",
				zap.String("request_id", result.RequestID),
				zap.Error(err),
			)
			missing++
			metrics.EvaluationsMissing.Inc()
			continue
		}

		evaluations = append(evaluations, *record)
		if p.db != nil {
			if err := p.db.InsertEvaluation(p.runID, record); err != nil {
				logger.Error("Failed to store evaluation", zap.Error(err))
			}
		}
	}

	return evaluations, missing
}

func (p *Pipeline) mirrorInputs(prompts []models.ExpandedPrompt, requests []models.GenerationRequest) {
	if p.db == nil {
		return
	}
	for i := range prompts {
		if err := p.db.InsertExpandedPrompt(&prompts[i]); err != nil {
			logger.Error("Failed to store prompt", zap.Error(err))
		}
	}
	for i := range requests {
		if err := p.db.InsertRequest(p.runID, &requests[i]); err != nil {
			logger.Error("Failed to store request", zap.Error(err))
		}
	}
}

func (p *Pipeline) mirrorResults(results []models.GenerationResult) {
	if p.db == nil {
		return
	}
	for i := range results {
		if err := p.db.UpsertResult(p.runID, &results[i]); err != nil {
			logger.Error("Failed to store result", zap.Error(err))
		}
	}
}

// attributeLabel is the human-readable attribute the oracle verifies, e.g.
// "culture: Nigerian" or "culture: Korean + gender: a woman".
func attributeLabel(p models.ExpandedPrompt) string {
	label := p.Axis + ": " + p.Value
	if p.SecondAxis != "" {
		label += " + " + p.SecondAxis + ": " + p.SecondValue
	}
	return label
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// RunDir resolves the per-(backend, run) directory layout.
func RunDir(baseDir, backend, runID string) string {
	return filepath.Join(baseDir, backend, runID)
}

// NewRunID generates a run id when the config does not pin one.
func NewRunID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.New().String()[:8]
}
