package models

import "time"

// Outcome is the terminal classification of a generation request.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRefused   Outcome = "refused"
	OutcomeFailed    Outcome = "failed"
)

// CueVerdict is the categorical answer space of the vision oracle.
type CueVerdict string

const (
	CueYes     CueVerdict = "yes"
	CuePartial CueVerdict = "partial"
	CueNo      CueVerdict = "no"
)

// Score maps a verdict onto the retention scale.
func (v CueVerdict) Score() float64 {
	switch v {
	case CueYes:
		return 1.0
	case CuePartial:
		return 0.5
	default:
		return 0.0
	}
}

type BasePrompt struct {
	ID     string `yaml:"id" json:"id"`
	Text   string `yaml:"text" json:"text"`
	Domain string `yaml:"domain" json:"domain"`
}

// ExpandedPrompt is one attribute-conditioned variant of a base prompt.
// Axis and Value are empty for the neutral variant. SecondAxis/SecondValue
// are set only for intersectional variants.
type ExpandedPrompt struct {
	ID           string `json:"id"`
	BasePromptID string `json:"base_prompt_id"`
	Text         string `json:"text"`
	Axis         string `json:"axis,omitempty"`
	Value        string `json:"value,omitempty"`
	SecondAxis   string `json:"second_axis,omitempty"`
	SecondValue  string `json:"second_value,omitempty"`
	Domain       string `json:"domain"`
}

// Neutral reports whether this is the unconditioned variant.
func (p ExpandedPrompt) Neutral() bool {
	return p.Axis == ""
}

type GenerationRequest struct {
	ID               string `json:"id"`
	Index            int    `json:"index"`
	ExpandedPromptID string `json:"expanded_prompt_id"`
	Backend          string `json:"backend"`
	SourceImageRef   string `json:"source_image_ref,omitempty"`
	AttemptCount     int    `json:"attempt_count"`
}

type GenerationResult struct {
	RequestID    string    `json:"request_id"`
	Index        int       `json:"index"`
	Outcome      Outcome   `json:"outcome"`
	ArtifactRef  string    `json:"artifact_ref,omitempty"`
	RawMessage   string    `json:"raw_message,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	LatencyMS    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Scorable reports whether the result produced an artifact eligible for
// cue-retention scoring. Refused and failed requests never get an
// EvaluationRecord.
func (r GenerationResult) Scorable() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeUnchanged
}

// EvaluationRecord holds the vision oracle's cue-retention judgment for a
// single non-refused result. Votes keeps every raw verdict when the scorer
// queries the oracle more than once, so rater disagreement stays visible.
type EvaluationRecord struct {
	RequestID      string       `json:"request_id"`
	CuePresent     CueVerdict   `json:"cue_present"`
	RetentionScore float64      `json:"retention_score"`
	Rationale      string       `json:"rationale,omitempty"`
	Votes          []CueVerdict `json:"votes,omitempty"`
	OracleModel    string       `json:"oracle_model,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
