package scorer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/metrics"
	"github.com/refusal-audit/pipeline/internal/storage/models"
	"github.com/refusal-audit/pipeline/pkg/logger"
)

// CueOracle is the vision oracle's fixed-answer-space query. Verdict is one
// of "yes", "partial", "no".
type CueOracle interface {
	AskCue(ctx context.Context, image []byte, attribute string) (verdict, rationale string, err error)
	VisionModel() string
}

// Scorer turns an artifact plus its requested attribute into an
// EvaluationRecord. With votes > 1 the oracle is asked repeatedly and every
// verdict is kept, so oracle disagreement is recorded instead of hidden; the
// majority verdict carries the score.
type Scorer struct {
	oracle  CueOracle
	votes   int
	timeout time.Duration
}

func New(oracle CueOracle, votes int, timeout time.Duration) *Scorer {
	if votes < 1 {
		votes = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scorer{
		oracle:  oracle,
		votes:   votes,
		timeout: timeout,
	}
}

// Score queries the oracle for the artifact. An oracle failure returns an
// error and no record; the caller records the evaluation as missing rather
// than defaulting a score, so "not yet scored" never masquerades as "fully
// erased".
func (s *Scorer) Score(ctx context.Context, requestID string, artifact []byte, attribute string) (*models.EvaluationRecord, error) {
	var verdicts []models.CueVerdict
	var rationale string

	for i := 0; i < s.votes; i++ {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		verdict, reason, err := s.oracle.AskCue(callCtx, artifact, attribute)
		cancel()

		if err != nil {
			return nil, fmt.Errorf("failed to score cue retention: %w", err)
		}

		verdicts = append(verdicts, models.CueVerdict(verdict))
		if rationale == "" {
			rationale = reason
		}
	}

	majority := majorityVerdict(verdicts)
	record := &models.EvaluationRecord{
		RequestID:      requestID,
		CuePresent:     majority,
		RetentionScore: majority.Score(),
		Rationale:      rationale,
		Votes:          verdicts,
		OracleModel:    s.oracle.VisionModel(),
		CreatedAt:      time.Now().UTC(),
	}

	metrics.EvaluationsTotal.WithLabelValues(string(majority)).Inc()

	if disagree(verdicts) {
		logger.Info("Oracle verdicts disagree",
			zap.String("request_id", requestID),
			zap.String("attribute", attribute),
			zap.Any("votes", verdicts),
		)
	}

	return record, nil
}

// majorityVerdict resolves ties toward the lower retention score, keeping
// the erasure estimate conservative.
func majorityVerdict(verdicts []models.CueVerdict) models.CueVerdict {
	counts := make(map[models.CueVerdict]int, 3)
	for _, v := range verdicts {
		counts[v]++
	}

	best := models.CueNo
	bestCount := 0
	for _, v := range []models.CueVerdict{models.CueNo, models.CuePartial, models.CueYes} {
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best
}

func disagree(verdicts []models.CueVerdict) bool {
	for _, v := range verdicts[1:] {
		if v != verdicts[0] {
			return true
		}
	}
	return false
}
