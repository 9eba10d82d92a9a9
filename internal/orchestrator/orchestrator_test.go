package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refusal-audit/pipeline/internal/backends"
	"github.com/refusal-audit/pipeline/internal/storage/models"
	"github.com/refusal-audit/pipeline/pkg/utils"
)

// fakeAdapter serves a queue of scripted errors per prompt, then succeeds.
type fakeAdapter struct {
	mu       sync.Mutex
	capacity int
	errs     map[string][]error
	delays   map[string]time.Duration
	calls    int
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Capacity() int {
	if f.capacity < 1 {
		return 1
	}
	return f.capacity
}

func (f *fakeAdapter) Generate(ctx context.Context, prompt string, _ string) (*backends.RawResult, error) {
	f.mu.Lock()
	f.calls++
	var next error
	if queue := f.errs[prompt]; len(queue) > 0 {
		next = queue[0]
		f.errs[prompt] = queue[1:]
	}
	delay := f.delays[prompt]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if next != nil {
		return nil, next
	}
	return &backends.RawResult{
		Payload:     []byte("image for " + prompt),
		ArtifactRef: utils.HashString(prompt) + ".png",
		LatencyMS:   1,
	}, nil
}

type passClassifier struct{}

func (passClassifier) Classify(_ context.Context, raw *backends.RawResult, _ string) models.Outcome {
	if raw.Refused {
		return models.OutcomeRefused
	}
	return models.OutcomeSuccess
}

func buildFixtures(n int) ([]models.GenerationRequest, map[string]models.ExpandedPrompt) {
	requests := make([]models.GenerationRequest, 0, n)
	prompts := make(map[string]models.ExpandedPrompt, n)
	for i := 0; i < n; i++ {
		id := utils.DeriveKey("base", "culture", string(rune('a'+i)))
		prompts[id] = models.ExpandedPrompt{ID: id, Text: "prompt-" + string(rune('a'+i))}
		requests = append(requests, models.GenerationRequest{
			ID:               utils.DeriveKey(id, "fake", ""),
			Index:            i,
			ExpandedPromptID: id,
			Backend:          "fake",
		})
	}
	return requests, prompts
}

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		Timeout:      time.Second,
		Workers:      1,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}
}

func TestRunCommitsEveryRequestInOrder(t *testing.T) {
	adapter := &fakeAdapter{capacity: 4}
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	requests, prompts := buildFixtures(5)

	// Later-dispatched requests finish first; commit order must not care.
	adapter.delays = map[string]time.Duration{
		prompts[requests[0].ExpandedPromptID].Text: 40 * time.Millisecond,
		prompts[requests[1].ExpandedPromptID].Text: 20 * time.Millisecond,
	}

	cfg := fastConfig()
	cfg.Workers = 4
	orch := New(adapter, passClassifier{}, log, cfg)

	results, err := orch.Run(context.Background(), requests, prompts, -1)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, result := range results {
		assert.Equal(t, i, result.Index)
		assert.Equal(t, models.OutcomeSuccess, result.Outcome)
		assert.Equal(t, 1, result.AttemptCount)
		assert.NotEmpty(t, result.ArtifactRef)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	requests, prompts := buildFixtures(1)
	prompt := prompts[requests[0].ExpandedPromptID].Text

	adapter := &fakeAdapter{errs: map[string][]error{
		prompt: {
			&backends.Error{Kind: backends.KindTransient, Backend: "fake", Message: "timeout"},
			&backends.Error{Kind: backends.KindRateLimited, Backend: "fake", Message: "throttled"},
		},
	}}
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	orch := New(adapter, passClassifier{}, log, fastConfig())
	results, err := orch.Run(context.Background(), requests, prompts, -1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, models.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, 3, results[0].AttemptCount)
	assert.Equal(t, 3, adapter.calls)
}

func TestRunPolicyRejectionIsTerminalRefusal(t *testing.T) {
	requests, prompts := buildFixtures(1)
	prompt := prompts[requests[0].ExpandedPromptID].Text

	adapter := &fakeAdapter{errs: map[string][]error{
		prompt: {&backends.Error{Kind: backends.KindPolicyRejected, Backend: "fake", Message: "content policy"}},
	}}
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	orch := New(adapter, passClassifier{}, log, fastConfig())
	results, err := orch.Run(context.Background(), requests, prompts, -1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, models.OutcomeRefused, results[0].Outcome)
	assert.Equal(t, 1, results[0].AttemptCount)
	assert.Equal(t, 1, adapter.calls, "policy rejections must not be retried")
}

func TestRunMalformedIsTerminalFailure(t *testing.T) {
	requests, prompts := buildFixtures(1)
	prompt := prompts[requests[0].ExpandedPromptID].Text

	adapter := &fakeAdapter{errs: map[string][]error{
		prompt: {&backends.Error{Kind: backends.KindMalformed, Backend: "fake", Message: "bad request"}},
	}}
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	orch := New(adapter, passClassifier{}, log, fastConfig())
	results, err := orch.Run(context.Background(), requests, prompts, -1)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFailed, results[0].Outcome)
	assert.Equal(t, 1, adapter.calls)
}

func TestRunExhaustedRetriesFail(t *testing.T) {
	requests, prompts := buildFixtures(1)
	prompt := prompts[requests[0].ExpandedPromptID].Text

	adapter := &fakeAdapter{errs: map[string][]error{
		prompt: {
			&backends.Error{Kind: backends.KindTransient, Backend: "fake", Message: "oom"},
			&backends.Error{Kind: backends.KindTransient, Backend: "fake", Message: "oom"},
			&backends.Error{Kind: backends.KindTransient, Backend: "fake", Message: "oom"},
		},
	}}
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	orch := New(adapter, passClassifier{}, log, fastConfig())
	results, err := orch.Run(context.Background(), requests, prompts, -1)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFailed, results[0].Outcome)
	assert.Equal(t, 3, results[0].AttemptCount)
}

func TestRunResumeSkipsCompletedRequests(t *testing.T) {
	dir := t.TempDir()
	requests, prompts := buildFixtures(3)

	adapter := &fakeAdapter{}
	log, err := OpenRunLog(dir)
	require.NoError(t, err)

	orch := New(adapter, passClassifier{}, log, fastConfig())
	_, err = orch.Run(context.Background(), requests, prompts, -1)
	require.NoError(t, err)
	require.Equal(t, 3, adapter.calls)

	// Same log, fresh orchestrator: nothing left to do.
	reopened, err := OpenRunLog(dir)
	require.NoError(t, err)
	resumed := New(adapter, passClassifier{}, reopened, fastConfig())

	results, err := resumed.Run(context.Background(), requests, prompts, -1)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 3, adapter.calls, "completed requests must not re-execute")
}

func TestRunResumeFromIndex(t *testing.T) {
	requests, prompts := buildFixtures(3)

	adapter := &fakeAdapter{}
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	orch := New(adapter, passClassifier{}, log, fastConfig())
	results, err := orch.Run(context.Background(), requests, prompts, 0)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
}

func TestRunWorkersCappedAtBackendCapacity(t *testing.T) {
	adapter := &fakeAdapter{capacity: 1}
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.Workers = 8
	orch := New(adapter, passClassifier{}, log, cfg)

	assert.Equal(t, 1, orch.workers)
}

func TestRunEmitsProgressEvents(t *testing.T) {
	adapter := &fakeAdapter{}
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	requests, prompts := buildFixtures(2)
	orch := New(adapter, passClassifier{}, log, fastConfig())

	_, err = orch.Run(context.Background(), requests, prompts, -1)
	require.NoError(t, err)

	var events []Event
	for e := range orch.Events() {
		events = append(events, e)
	}
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Completed)
	assert.Equal(t, 2, events[1].Completed)
	assert.Equal(t, 2, events[1].Total)
}

func TestRunCanceledContextReturnsError(t *testing.T) {
	adapter := &fakeAdapter{}
	log, err := OpenRunLog(t.TempDir())
	require.NoError(t, err)

	requests, prompts := buildFixtures(2)
	orch := New(adapter, passClassifier{}, log, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = orch.Run(ctx, requests, prompts, -1)
	assert.Error(t, err)
}
