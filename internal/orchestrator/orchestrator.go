package orchestrator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/backends"
	"github.com/refusal-audit/pipeline/internal/metrics"
	"github.com/refusal-audit/pipeline/internal/storage/models"
	"github.com/refusal-audit/pipeline/pkg/logger"
)

// Classifier decides the terminal outcome of a successful generation call.
type Classifier interface {
	Classify(ctx context.Context, raw *backends.RawResult, sourceImageRef string) models.Outcome
}

// Event is one progress notification, emitted after a result commits.
type Event struct {
	RequestID string         `json:"request_id"`
	Index     int            `json:"index"`
	Outcome   models.Outcome `json:"outcome"`
	Attempts  int            `json:"attempts"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
}

type Config struct {
	MaxAttempts  int
	Timeout      time.Duration
	Workers      int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Orchestrator drives one backend's request queue with bounded concurrency
// and commits exactly one durable result per request, in dispatch order.
// Worker count never exceeds the backend's declared capacity, so a
// GPU-resident backend executes strictly serially while independent
// backends run in parallel under their own orchestrators.
type Orchestrator struct {
	backend    backends.Adapter
	classifier Classifier
	log        *RunLog

	maxAttempts  int
	timeout      time.Duration
	workers      int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64

	events chan Event
}

func New(backend backends.Adapter, classifier Classifier, log *RunLog, cfg Config) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Workers > backend.Capacity() {
		cfg.Workers = backend.Capacity()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}

	return &Orchestrator{
		backend:      backend,
		classifier:   classifier,
		log:          log,
		maxAttempts:  cfg.MaxAttempts,
		timeout:      cfg.Timeout,
		workers:      cfg.Workers,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		multiplier:   cfg.Multiplier,
		events:       make(chan Event, 64),
	}
}

// Events exposes the progress stream. Consumers must drain promptly; slow
// consumers miss events rather than stalling the run.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

type seqResult struct {
	pos     int
	aborted bool
	result  models.GenerationResult
}

// Run processes every request not already completed, skipping anything at
// or before resumeFrom (pass a negative index for a fresh run). Request
// ordering is exactly the input slice order on every invocation, so a
// resumed run reproduces the original sequence; a result is never
// re-emitted for a completed request. Completed-but-out-of-order results
// are buffered until their predecessors commit, bounded by worker count.
func (o *Orchestrator) Run(ctx context.Context, requests []models.GenerationRequest, prompts map[string]models.ExpandedPrompt, resumeFrom int) ([]models.GenerationResult, error) {
	var work []int
	for i := range requests {
		if resumeFrom >= 0 && requests[i].Index <= resumeFrom {
			continue
		}
		if o.log.Completed(requests[i].ID) {
			continue
		}
		work = append(work, i)
	}

	logger.Info("Orchestration started",
		zap.String("backend", o.backend.Name()),
		zap.Int("requests", len(requests)),
		zap.Int("to_process", len(work)),
		zap.Int("workers", o.workers),
	)

	jobs := make(chan int)
	resultsCh := make(chan seqResult, o.workers)

	var wg sync.WaitGroup
	for w := 0; w < o.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				req := requests[work[pos]]
				prompt, ok := prompts[req.ExpandedPromptID]
				if !ok {
					resultsCh <- seqResult{pos: pos, result: models.GenerationResult{
						RequestID:    req.ID,
						Index:        req.Index,
						Outcome:      models.OutcomeFailed,
						RawMessage:   "expanded prompt missing for request",
						AttemptCount: 0,
						Timestamp:    time.Now().UTC(),
					}}
					continue
				}
				resultsCh <- o.execute(ctx, pos, req, prompt)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for pos := range work {
			select {
			case jobs <- pos:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	pending := make(map[int]models.GenerationResult)
	committed := 0
	next := 0
	var commitErr error

	for sr := range resultsCh {
		if sr.aborted {
			continue
		}
		pending[sr.pos] = sr.result

		for {
			result, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++

			if commitErr != nil {
				continue
			}
			if err := o.commit(result, &committed, len(work)); err != nil {
				commitErr = err
			}
		}
	}

	close(o.events)

	logger.Info("Orchestration finished",
		zap.String("backend", o.backend.Name()),
		zap.Int("committed", committed),
		zap.Int("total", len(work)),
	)

	if commitErr != nil {
		return o.log.Results(), commitErr
	}
	if err := ctx.Err(); err != nil {
		return o.log.Results(), fmt.Errorf("run interrupted: %w", err)
	}
	return o.log.Results(), nil
}

// execute walks one request through its state machine: dispatched, with a
// bounded retry self-loop, into exactly one terminal outcome.
func (o *Orchestrator) execute(ctx context.Context, pos int, req models.GenerationRequest, prompt models.ExpandedPrompt) seqResult {
	var raw *backends.RawResult
	var genErr error
	delay := o.initialDelay

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		req.AttemptCount = attempt

		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		raw, genErr = o.backend.Generate(callCtx, prompt.Text, req.SourceImageRef)
		cancel()

		if genErr == nil {
			break
		}
		if ctx.Err() != nil {
			return seqResult{pos: pos, aborted: true}
		}

		kind := backends.KindOf(genErr)
		if !kind.Retryable() || attempt == o.maxAttempts {
			break
		}

		metrics.RetriesTotal.WithLabelValues(o.backend.Name(), kind.String()).Inc()
		logger.Warn("Generation failed, retrying",
			zap.String("request_id", req.ID),
			zap.String("kind", kind.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.maxAttempts),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return seqResult{pos: pos, aborted: true}
		case <-time.After(addJitter(delay)):
		}
		delay = time.Duration(math.Min(float64(o.maxDelay), float64(delay)*o.multiplier))
	}

	result := models.GenerationResult{
		RequestID:    req.ID,
		Index:        req.Index,
		AttemptCount: req.AttemptCount,
		Timestamp:    time.Now().UTC(),
	}

	if genErr == nil {
		result.Outcome = o.classifier.Classify(ctx, raw, req.SourceImageRef)
		result.ArtifactRef = raw.ArtifactRef
		result.RawMessage = raw.Message
		result.LatencyMS = raw.LatencyMS
	} else {
		switch backends.KindOf(genErr) {
		case backends.KindPolicyRejected:
			result.Outcome = models.OutcomeRefused
		default:
			result.Outcome = models.OutcomeFailed
		}
		result.RawMessage = genErr.Error()
	}

	return seqResult{pos: pos, result: result}
}

func (o *Orchestrator) commit(result models.GenerationResult, committed *int, total int) error {
	if err := o.log.Append(result); err != nil {
		return fmt.Errorf("failed to commit result for %s: %w", result.RequestID, err)
	}
	*committed++

	metrics.GenerationsTotal.WithLabelValues(o.backend.Name(), string(result.Outcome)).Inc()
	metrics.GenerationAttempts.WithLabelValues(o.backend.Name()).Observe(float64(result.AttemptCount))
	if result.LatencyMS > 0 {
		metrics.GenerationLatency.WithLabelValues(o.backend.Name()).Observe(float64(result.LatencyMS) / 1000)
	}

	select {
	case o.events <- Event{
		RequestID: result.RequestID,
		Index:     result.Index,
		Outcome:   result.Outcome,
		Attempts:  result.AttemptCount,
		Completed: *committed,
		Total:     total,
	}:
	default:
	}

	return nil
}

func addJitter(delay time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	return delay + jitter
}
