package synth

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/catalog"
	"github.com/refusal-audit/pipeline/internal/storage/models"
	"github.com/refusal-audit/pipeline/pkg/logger"
	"github.com/refusal-audit/pipeline/pkg/utils"
)

// RewriteOracle turns a plain base prompt into a lexically richer boundary
// form before attribute injection. Implementations call out to an LLM.
type RewriteOracle interface {
	Rewrite(ctx context.Context, text, domain string) (string, error)
}

type Synthesizer struct {
	oracle        RewriteOracle
	oracleTimeout time.Duration
}

// Options controls one expansion pass. Seed drives base-prompt sampling and
// must be explicit so the same configuration always yields the same set.
// SampleSize 0 means expand the whole corpus. Intersectional additionally
// emits variants combining values from adjacent axis pairs; combinations are
// capped at two axes.
type Options struct {
	Seed           int64
	SampleSize     int
	Intersectional bool
}

// New builds a synthesizer. A nil oracle disables the boundary rewrite step.
func New(oracle RewriteOracle, oracleTimeout time.Duration) *Synthesizer {
	if oracleTimeout <= 0 {
		oracleTimeout = 20 * time.Second
	}
	return &Synthesizer{
		oracle:        oracle,
		oracleTimeout: oracleTimeout,
	}
}

// Expand produces, per selected base prompt, exactly one neutral variant and
// one variant per value of every axis. Variant identifiers derive from the
// (base id, axis, value) tuple, so a re-run with the same inputs reproduces
// the same ids in the same order.
func (s *Synthesizer) Expand(ctx context.Context, basePrompts []models.BasePrompt, axes []catalog.Axis, opts Options) ([]models.ExpandedPrompt, error) {
	selected := samplePrompts(basePrompts, opts.SampleSize, opts.Seed)

	var expanded []models.ExpandedPrompt
	for _, base := range selected {
		text := base.Text
		if s.oracle != nil {
			text = s.boundaryForm(ctx, base)
		}

		expanded = append(expanded, models.ExpandedPrompt{
			ID:           utils.DeriveKey(base.ID, "neutral"),
			BasePromptID: base.ID,
			Text:         text,
			Domain:       base.Domain,
		})

		for _, axis := range axes {
			for _, value := range axis.Values {
				expanded = append(expanded, models.ExpandedPrompt{
					ID:           utils.DeriveKey(base.ID, axis.Name, value.Name),
					BasePromptID: base.ID,
					Text:         axis.Apply(text, value),
					Axis:         axis.Name,
					Value:        value.Name,
					Domain:       base.Domain,
				})
			}
		}

		if opts.Intersectional {
			expanded = append(expanded, s.intersect(base, text, axes)...)
		}
	}

	logger.Info("Prompt set expanded",
		zap.Int("base_prompts", len(selected)),
		zap.Int("axes", len(axes)),
		zap.Int("variants", len(expanded)),
	)

	return expanded, nil
}

// intersect emits one variant per value pair of each adjacent axis pair.
// Only pairs are generated; combining more than two axes at a time explodes
// the request budget without adding signal.
func (s *Synthesizer) intersect(base models.BasePrompt, text string, axes []catalog.Axis) []models.ExpandedPrompt {
	var out []models.ExpandedPrompt

	for i := 0; i < len(axes); i++ {
		for j := i + 1; j < len(axes); j++ {
			first, second := axes[i], axes[j]
			for _, fv := range first.Values {
				for _, sv := range second.Values {
					out = append(out, models.ExpandedPrompt{
						ID:           utils.DeriveKey(base.ID, first.Name, fv.Name, second.Name, sv.Name),
						BasePromptID: base.ID,
						Text:         second.Apply(first.Apply(text, fv), sv),
						Axis:         first.Name,
						Value:        fv.Name,
						SecondAxis:   second.Name,
						SecondValue:  sv.Name,
						Domain:       base.Domain,
					})
				}
			}
		}
	}

	return out
}

// boundaryForm asks the oracle for the rewritten prompt, falling back to the
// original text on any oracle failure. A dropped rewrite must never abort a
// run.
func (s *Synthesizer) boundaryForm(ctx context.Context, base models.BasePrompt) string {
	rewriteCtx, cancel := context.WithTimeout(ctx, s.oracleTimeout)
	defer cancel()

	rewritten, err := s.oracle.Rewrite(rewriteCtx, base.Text, base.Domain)
	if err != nil || rewritten == "" {
		logger.Warn("Boundary rewrite failed, using base prompt",
			zap.String("base_prompt_id", base.ID),
			zap.Error(err),
		)
		return base.Text
	}

	return rewritten
}

// samplePrompts picks n prompts with a seeded shuffle, then restores corpus
// order so request ordering stays stable across resumes.
func samplePrompts(prompts []models.BasePrompt, n int, seed int64) []models.BasePrompt {
	if n <= 0 || n >= len(prompts) {
		return prompts
	}

	order := make([]int, len(prompts))
	for i := range order {
		order[i] = i
	}

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	picked := order[:n]
	sort.Ints(picked)

	out := make([]models.BasePrompt, 0, n)
	for _, idx := range picked {
		out = append(out, prompts[idx])
	}
	return out
}
