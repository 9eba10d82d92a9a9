package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/storage/models"
	"github.com/refusal-audit/pipeline/pkg/logger"
)

// Client is the queryable mirror of a run: prompts, requests, results and
// evaluations land here after the orchestrator commits them to the durable
// log, so aggregation and export can query across runs without re-reading
// log files.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS expanded_prompts (
		id TEXT PRIMARY KEY,
		base_prompt_id TEXT NOT NULL,
		text TEXT NOT NULL,
		axis TEXT,
		value TEXT,
		second_axis TEXT,
		second_value TEXT,
		domain TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prompts_base ON expanded_prompts(base_prompt_id);
	CREATE INDEX IF NOT EXISTS idx_prompts_axis ON expanded_prompts(axis, value);

	CREATE TABLE IF NOT EXISTS generation_requests (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		expanded_prompt_id TEXT NOT NULL,
		backend TEXT NOT NULL,
		source_image_ref TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (expanded_prompt_id) REFERENCES expanded_prompts(id)
	);
	CREATE INDEX IF NOT EXISTS idx_requests_run ON generation_requests(run_id);

	CREATE TABLE IF NOT EXISTS generation_results (
		request_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		artifact_ref TEXT,
		raw_message TEXT,
		attempt_count INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (request_id) REFERENCES generation_requests(id)
	);
	CREATE INDEX IF NOT EXISTS idx_results_run ON generation_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_results_outcome ON generation_results(outcome);

	CREATE TABLE IF NOT EXISTS evaluation_records (
		request_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		cue_present TEXT NOT NULL,
		retention_score REAL NOT NULL,
		rationale TEXT,
		votes TEXT,
		oracle_model TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (request_id) REFERENCES generation_requests(id)
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluation_records(run_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertExpandedPrompt(p *models.ExpandedPrompt) error {
	query := `
		INSERT INTO expanded_prompts (id, base_prompt_id, text, axis, value, second_axis, second_value, domain, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := c.db.Exec(
		query,
		p.ID,
		p.BasePromptID,
		p.Text,
		p.Axis,
		p.Value,
		p.SecondAxis,
		p.SecondValue,
		p.Domain,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert expanded prompt: %w", err)
	}

	return nil
}

func (c *Client) InsertRequest(runID string, r *models.GenerationRequest) error {
	query := `
		INSERT INTO generation_requests (id, run_id, idx, expanded_prompt_id, backend, source_image_ref, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := c.db.Exec(
		query,
		r.ID,
		runID,
		r.Index,
		r.ExpandedPromptID,
		r.Backend,
		r.SourceImageRef,
		r.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	return nil
}

// UpsertResult mirrors a committed result. Replays after a resume overwrite
// the existing row, matching the run log's overwrite semantics.
func (c *Client) UpsertResult(runID string, r *models.GenerationResult) error {
	query := `
		INSERT INTO generation_results (request_id, run_id, idx, outcome, artifact_ref, raw_message, attempt_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			outcome = excluded.outcome,
			artifact_ref = excluded.artifact_ref,
			raw_message = excluded.raw_message,
			attempt_count = excluded.attempt_count,
			latency_ms = excluded.latency_ms,
			created_at = excluded.created_at
	`

	_, err := c.db.Exec(
		query,
		r.RequestID,
		runID,
		r.Index,
		string(r.Outcome),
		r.ArtifactRef,
		r.RawMessage,
		r.AttemptCount,
		r.LatencyMS,
		r.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert result: %w", err)
	}

	return nil
}

func (c *Client) InsertEvaluation(runID string, e *models.EvaluationRecord) error {
	votesJSON, _ := json.Marshal(e.Votes)

	query := `
		INSERT INTO evaluation_records (request_id, run_id, cue_present, retention_score, rationale, votes, oracle_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			cue_present = excluded.cue_present,
			retention_score = excluded.retention_score,
			rationale = excluded.rationale,
			votes = excluded.votes,
			oracle_model = excluded.oracle_model,
			created_at = excluded.created_at
	`

	_, err := c.db.Exec(
		query,
		e.RequestID,
		runID,
		string(e.CuePresent),
		e.RetentionScore,
		e.Rationale,
		string(votesJSON),
		e.OracleModel,
		e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}

	return nil
}

func (c *Client) ListPrompts() ([]models.ExpandedPrompt, error) {
	query := `SELECT id, base_prompt_id, text, axis, value, second_axis, second_value, domain FROM expanded_prompts`

	rows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []models.ExpandedPrompt
	for rows.Next() {
		var p models.ExpandedPrompt
		if err := rows.Scan(&p.ID, &p.BasePromptID, &p.Text, &p.Axis, &p.Value, &p.SecondAxis, &p.SecondValue, &p.Domain); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		prompts = append(prompts, p)
	}

	return prompts, rows.Err()
}

func (c *Client) ListRequests(runID string) ([]models.GenerationRequest, error) {
	query := `
		SELECT id, idx, expanded_prompt_id, backend, source_image_ref, attempt_count
		FROM generation_requests
		WHERE run_id = ?
		ORDER BY idx
	`

	rows, err := c.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []models.GenerationRequest
	for rows.Next() {
		var r models.GenerationRequest
		if err := rows.Scan(&r.ID, &r.Index, &r.ExpandedPromptID, &r.Backend, &r.SourceImageRef, &r.AttemptCount); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		requests = append(requests, r)
	}

	return requests, rows.Err()
}

func (c *Client) ListResults(runID string) ([]models.GenerationResult, error) {
	query := `
		SELECT request_id, idx, outcome, artifact_ref, raw_message, attempt_count, latency_ms, created_at
		FROM generation_results
		WHERE run_id = ?
		ORDER BY idx
	`

	rows, err := c.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []models.GenerationResult
	for rows.Next() {
		var r models.GenerationResult
		var outcome string
		var createdAt int64
		if err := rows.Scan(&r.RequestID, &r.Index, &outcome, &r.ArtifactRef, &r.RawMessage, &r.AttemptCount, &r.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Outcome = models.Outcome(outcome)
		r.Timestamp = time.Unix(createdAt, 0).UTC()
		results = append(results, r)
	}

	return results, rows.Err()
}

func (c *Client) ListEvaluations(runID string) ([]models.EvaluationRecord, error) {
	query := `
		SELECT request_id, cue_present, retention_score, rationale, votes, oracle_model, created_at
		FROM evaluation_records
		WHERE run_id = ?
	`

	rows, err := c.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var evaluations []models.EvaluationRecord
	for rows.Next() {
		var e models.EvaluationRecord
		var cue, votesJSON string
		var createdAt int64
		if err := rows.Scan(&e.RequestID, &cue, &e.RetentionScore, &e.Rationale, &votesJSON, &e.OracleModel, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.CuePresent = models.CueVerdict(cue)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		if err := json.Unmarshal([]byte(votesJSON), &e.Votes); err != nil {
			logger.Warn("Failed to decode stored votes",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
		evaluations = append(evaluations, e)
	}

	return evaluations, rows.Err()
}
