package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/refusal-audit/pipeline/internal/metrics"
	"github.com/refusal-audit/pipeline/internal/storage/models"
)

// rateEpsilon bounds float comparison when detecting tied rates.
const rateEpsilon = 1e-9

// Options holds the aggregation policy knobs. IncludeEmpty controls whether
// zero-sample groups participate in min/max; the default excludes and flags
// them, since an absent group has no rate, not a rate of zero.
type Options struct {
	IncludeEmpty bool
}

// RateStat is the per-attribute-value slice of a report.
type RateStat struct {
	Samples     int     `json:"samples"`
	Refused     int     `json:"refused"`
	Unchanged   int     `json:"unchanged"`
	Failed      int     `json:"failed"`
	Scored      int     `json:"scored"`
	Unscored    int     `json:"unscored"`
	RefusalRate float64 `json:"refusal_rate"`
	ErasureRate float64 `json:"erasure_rate"`
	HasErasure  bool    `json:"has_erasure"`
}

// Report is the derived disparity summary for one axis. It is recomputed
// from results and evaluations on demand and exported, never treated as a
// source of truth. Max/min value lists carry every tied value.
type Report struct {
	Axis             string              `json:"axis"`
	Rates            map[string]RateStat `json:"rates"`
	DeltaRefusal     float64             `json:"delta_refusal"`
	DeltaErasure     float64             `json:"delta_erasure"`
	MaxRefusalValues []string            `json:"max_refusal_values"`
	MinRefusalValues []string            `json:"min_refusal_values"`
	MaxErasureValues []string            `json:"max_erasure_values"`
	MinErasureValues []string            `json:"min_erasure_values"`
	EmptyValues      []string            `json:"empty_values,omitempty"`
	GeneratedAt      time.Time           `json:"generated_at"`
}

// Aggregate groups results by the target axis's attribute values and
// computes hard-refusal and soft-erasure disparity. Values declares the
// full value set so groups with zero samples are still surfaced. Only reads
// its inputs; upstream records stay untouched.
func Aggregate(
	axis string,
	values []string,
	prompts []models.ExpandedPrompt,
	requests []models.GenerationRequest,
	results []models.GenerationResult,
	evaluations []models.EvaluationRecord,
	opts Options,
) (*Report, error) {
	if axis == "" {
		return nil, fmt.Errorf("axis is required")
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("axis %q needs at least two values to compare", axis)
	}

	promptByID := make(map[string]models.ExpandedPrompt, len(prompts))
	for _, p := range prompts {
		promptByID[p.ID] = p
	}
	requestByID := make(map[string]models.GenerationRequest, len(requests))
	for _, r := range requests {
		requestByID[r.ID] = r
	}
	evalByRequest := make(map[string]models.EvaluationRecord, len(evaluations))
	for _, e := range evaluations {
		evalByRequest[e.RequestID] = e
	}

	stats := make(map[string]*RateStat, len(values))
	for _, v := range values {
		stats[v] = &RateStat{}
	}

	erasureSums := make(map[string]float64, len(values))

	for _, result := range results {
		req, ok := requestByID[result.RequestID]
		if !ok {
			continue
		}
		prompt, ok := promptByID[req.ExpandedPromptID]
		if !ok {
			continue
		}

		value := valueOnAxis(prompt, axis)
		if value == "" {
			continue
		}
		stat, ok := stats[value]
		if !ok {
			// Value outside the declared set; likely a stale catalog.
			continue
		}

		stat.Samples++
		switch result.Outcome {
		case models.OutcomeRefused:
			stat.Refused++
		case models.OutcomeUnchanged:
			stat.Unchanged++
		case models.OutcomeFailed:
			stat.Failed++
		}

		if result.Scorable() {
			if eval, ok := evalByRequest[result.RequestID]; ok {
				stat.Scored++
				erasureSums[value] += 1 - eval.RetentionScore
			} else {
				stat.Unscored++
			}
		}
	}

	var emptyValues []string
	for _, v := range values {
		stat := stats[v]
		if stat.Samples == 0 {
			emptyValues = append(emptyValues, v)
			continue
		}

		stat.RefusalRate = float64(stat.Refused) / float64(stat.Samples)
		if stat.Scored > 0 {
			stat.ErasureRate = erasureSums[v] / float64(stat.Scored)
			stat.HasErasure = true
		}

		metrics.GroupSamples.WithLabelValues(axis, v).Set(float64(stat.Samples))
	}
	sort.Strings(emptyValues)

	report := &Report{
		Axis:        axis,
		Rates:       make(map[string]RateStat, len(values)),
		EmptyValues: emptyValues,
		GeneratedAt: time.Now().UTC(),
	}
	for v, stat := range stats {
		report.Rates[v] = *stat
	}

	refusalGroups := selectGroups(values, stats, opts, func(s *RateStat) (float64, bool) {
		return s.RefusalRate, true
	})
	if len(refusalGroups) >= 2 {
		report.DeltaRefusal, report.MaxRefusalValues, report.MinRefusalValues = delta(refusalGroups)
	}

	erasureGroups := selectGroups(values, stats, opts, func(s *RateStat) (float64, bool) {
		return s.ErasureRate, s.HasErasure
	})
	if len(erasureGroups) >= 2 {
		report.DeltaErasure, report.MaxErasureValues, report.MinErasureValues = delta(erasureGroups)
	}

	metrics.DisparityDelta.WithLabelValues(axis, "refusal").Set(report.DeltaRefusal)
	metrics.DisparityDelta.WithLabelValues(axis, "erasure").Set(report.DeltaErasure)

	return report, nil
}

type group struct {
	value string
	rate  float64
}

// selectGroups filters the declared values down to those eligible for
// min/max computation under the configured empty-group policy.
func selectGroups(values []string, stats map[string]*RateStat, opts Options, rate func(*RateStat) (float64, bool)) []group {
	var groups []group
	for _, v := range values {
		stat := stats[v]
		if stat.Samples == 0 && !opts.IncludeEmpty {
			continue
		}
		r, ok := rate(stat)
		if !ok && stat.Samples > 0 {
			continue
		}
		groups = append(groups, group{value: v, rate: r})
	}
	return groups
}

// delta computes max-minus-min and reports every value tied at each
// extreme. Returning a single arbitrary winner on a tie would misreport the
// disparity, so ties are preserved.
func delta(groups []group) (float64, []string, []string) {
	maxRate := math.Inf(-1)
	minRate := math.Inf(1)
	for _, g := range groups {
		if g.rate > maxRate {
			maxRate = g.rate
		}
		if g.rate < minRate {
			minRate = g.rate
		}
	}

	var maxValues, minValues []string
	for _, g := range groups {
		if math.Abs(g.rate-maxRate) < rateEpsilon {
			maxValues = append(maxValues, g.value)
		}
		if math.Abs(g.rate-minRate) < rateEpsilon {
			minValues = append(minValues, g.value)
		}
	}
	sort.Strings(maxValues)
	sort.Strings(minValues)

	return maxRate - minRate, maxValues, minValues
}

// valueOnAxis returns the prompt's value on the axis, looking at both the
// primary and the intersectional slot.
func valueOnAxis(p models.ExpandedPrompt, axis string) string {
	if p.Axis == axis {
		return p.Value
	}
	if p.SecondAxis == axis {
		return p.SecondValue
	}
	return ""
}
