package backends

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/refusal-audit/pipeline/pkg/logger"
)

// OpenAIAdapter drives the hosted image endpoints (text-to-image, and
// image-to-image via the edit endpoint when a source image ref is given).
// Outbound calls are paced by a client-side rate limiter sized to the
// provider quota.
type OpenAIAdapter struct {
	client    *openai.Client
	model     string
	size      string
	limiter   *rate.Limiter
	workers   int
	artifacts *ArtifactStore
}

type OpenAIOptions struct {
	APIKey  string
	Model   string
	Size    string
	RPS     float64
	Burst   int
	Workers int
}

func NewOpenAIAdapter(opts OpenAIOptions, artifacts *ArtifactStore) *OpenAIAdapter {
	if opts.RPS <= 0 {
		opts.RPS = 0.5
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}

	logger.Info("OpenAI image adapter initialized",
		zap.String("model", opts.Model),
		zap.Float64("rps", opts.RPS),
		zap.Int("workers", opts.Workers),
	)

	return &OpenAIAdapter{
		client:    openai.NewClient(opts.APIKey),
		model:     opts.Model,
		size:      opts.Size,
		limiter:   rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		workers:   opts.Workers,
		artifacts: artifacts,
	}
}

func (a *OpenAIAdapter) Name() string {
	return "openai"
}

func (a *OpenAIAdapter) Capacity() int {
	return a.workers
}

func (a *OpenAIAdapter) Generate(ctx context.Context, prompt string, sourceImageRef string) (*RawResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTransient, Backend: a.Name(), Message: "rate limiter wait aborted", Err: err}
	}

	start := time.Now()

	var b64 string
	var err error
	if sourceImageRef == "" {
		b64, err = a.createImage(ctx, prompt)
	} else {
		b64, err = a.editImage(ctx, prompt, sourceImageRef)
	}
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return nil, a.translate(err)
	}

	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Backend: a.Name(), Message: "response image is not valid base64", Err: err}
	}

	ref, err := a.artifacts.Put(payload, a.Name())
	if err != nil {
		return nil, err
	}

	return &RawResult{
		Payload:     payload,
		ArtifactRef: ref,
		LatencyMS:   latency,
	}, nil
}

func (a *OpenAIAdapter) createImage(ctx context.Context, prompt string) (string, error) {
	resp, err := a.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          a.model,
		N:              1,
		Size:           a.size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", &Error{Kind: KindMalformed, Backend: a.Name(), Message: "empty image response"}
	}
	return resp.Data[0].B64JSON, nil
}

func (a *OpenAIAdapter) editImage(ctx context.Context, prompt string, sourceImageRef string) (string, error) {
	src, err := os.Open(a.artifacts.Path(sourceImageRef))
	if err != nil {
		return "", &Error{Kind: KindMalformed, Backend: a.Name(), Message: "source image missing", Err: err}
	}
	defer src.Close()

	resp, err := a.client.CreateEditImage(ctx, openai.ImageEditRequest{
		Image:          src,
		Prompt:         prompt,
		N:              1,
		Size:           a.size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", &Error{Kind: KindMalformed, Backend: a.Name(), Message: "empty image response"}
	}
	return resp.Data[0].B64JSON, nil
}

// translate folds the provider's error shapes into the shared taxonomy.
func (a *OpenAIAdapter) translate(err error) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Backend: a.Name(), Message: "request timed out", Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		switch {
		case apiErr.HTTPStatusCode == 429:
			return &Error{Kind: KindRateLimited, Backend: a.Name(), Message: msg, Err: err}
		case apiErr.HTTPStatusCode >= 500:
			return &Error{Kind: KindTransient, Backend: a.Name(), Message: msg, Err: err}
		case isPolicyRejection(apiErr):
			return &Error{Kind: KindPolicyRejected, Backend: a.Name(), Message: msg, Err: err}
		default:
			return &Error{Kind: KindMalformed, Backend: a.Name(), Message: msg, Err: err}
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 429 {
			return &Error{Kind: KindRateLimited, Backend: a.Name(), Message: reqErr.Error(), Err: err}
		}
		return &Error{Kind: KindTransient, Backend: a.Name(), Message: reqErr.Error(), Err: err}
	}

	return &Error{Kind: KindTransient, Backend: a.Name(), Message: fmt.Sprintf("unclassified error: %v", err), Err: err}
}

func isPolicyRejection(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok && code == "content_policy_violation" {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "safety system") || strings.Contains(msg, "content policy")
}
