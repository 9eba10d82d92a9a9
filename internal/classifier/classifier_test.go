package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refusal-audit/pipeline/internal/backends"
	"github.com/refusal-audit/pipeline/internal/storage/models"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) EmbedImage(_ context.Context, image []byte) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vec, ok := f.vectors[string(image)]
	if !ok {
		return nil, errors.New("no vector for image")
	}
	return vec, nil
}

type fakeSources map[string][]byte

func (f fakeSources) Get(ref string) ([]byte, error) {
	data, ok := f[ref]
	if !ok {
		return nil, errors.New("source not found")
	}
	return data, nil
}

func TestClassifyBackendRefusalWins(t *testing.T) {
	c := New(&fakeEmbedder{}, nil, 0.92, nil)

	outcome := c.Classify(context.Background(), &backends.RawResult{Refused: true, Payload: []byte("x")}, "")
	assert.Equal(t, models.OutcomeRefused, outcome)
}

func TestClassifyUnchangedAgainstSourceImage(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"source": {1, 0, 0},
		"output": {1, 0, 0},
	}}
	sources := fakeSources{"src.png": []byte("source")}
	c := New(embedder, sources, 0.92, nil)

	outcome := c.Classify(context.Background(), &backends.RawResult{Payload: []byte("output")}, "src.png")
	assert.Equal(t, models.OutcomeUnchanged, outcome)
}

func TestClassifySuccessWhenOutputDiverges(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"source": {1, 0, 0},
		"output": {0, 1, 0},
	}}
	sources := fakeSources{"src.png": []byte("source")}
	c := New(embedder, sources, 0.92, nil)

	outcome := c.Classify(context.Background(), &backends.RawResult{Payload: []byte("output")}, "src.png")
	assert.Equal(t, models.OutcomeSuccess, outcome)
}

func TestClassifyThresholdIsConfigurable(t *testing.T) {
	// cos(output, source) = 0.8 here.
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"source": {1, 0},
		"output": {0.8, 0.6},
	}}
	sources := fakeSources{"src.png": []byte("source")}
	raw := &backends.RawResult{Payload: []byte("output")}

	strict := New(embedder, sources, 0.92, nil)
	assert.Equal(t, models.OutcomeSuccess, strict.Classify(context.Background(), raw, "src.png"))

	loose := New(embedder, sources, 0.75, nil)
	assert.Equal(t, models.OutcomeUnchanged, loose.Classify(context.Background(), raw, "src.png"))
}

func TestClassifyBlankSignatureForTxt2Img(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"blank-output": {0, 0, 1},
		"real-output":  {1, 0, 0},
	}}
	c := New(embedder, nil, 0.92, []float32{0, 0, 1})

	blank := c.Classify(context.Background(), &backends.RawResult{Payload: []byte("blank-output")}, "")
	assert.Equal(t, models.OutcomeUnchanged, blank)

	real := c.Classify(context.Background(), &backends.RawResult{Payload: []byte("real-output")}, "")
	assert.Equal(t, models.OutcomeSuccess, real)
}

func TestClassifyNoReferenceMeansSuccess(t *testing.T) {
	c := New(&fakeEmbedder{}, nil, 0.92, nil)

	outcome := c.Classify(context.Background(), &backends.RawResult{Payload: []byte("anything")}, "")
	assert.Equal(t, models.OutcomeSuccess, outcome)
}

func TestClassifyEmbeddingFailureDegradesToSuccess(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("oracle down")}
	c := New(embedder, nil, 0.92, []float32{1, 0})

	outcome := c.Classify(context.Background(), &backends.RawResult{Payload: []byte("output")}, "")
	assert.Equal(t, models.OutcomeSuccess, outcome)
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	require.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity(nil, nil))
}
