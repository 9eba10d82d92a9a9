package backends

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/pkg/logger"
)

// SDWebUIAdapter drives a locally hosted Stable Diffusion WebUI over its
// HTTP API. The model is GPU-resident, so Capacity is 1: a second in-flight
// request would fight the first for device memory.
type SDWebUIAdapter struct {
	baseURL    string
	httpClient *http.Client
	params     SDWebUIParams
	artifacts  *ArtifactStore
}

type SDWebUIParams struct {
	Steps             int
	CFGScale          float64
	Sampler           string
	DenoisingStrength float64
	Width             int
	Height            int
	TimeoutSec        int
}

type sdTxt2ImgRequest struct {
	Prompt      string  `json:"prompt"`
	Steps       int     `json:"steps"`
	CFGScale    float64 `json:"cfg_scale"`
	SamplerName string  `json:"sampler_name"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Seed        int     `json:"seed"`
}

type sdImg2ImgRequest struct {
	InitImages        []string `json:"init_images"`
	Prompt            string   `json:"prompt"`
	Steps             int      `json:"steps"`
	CFGScale          float64  `json:"cfg_scale"`
	SamplerName       string   `json:"sampler_name"`
	DenoisingStrength float64  `json:"denoising_strength"`
	Seed              int      `json:"seed"`
}

type sdResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
	Detail string   `json:"detail"`
}

func NewSDWebUIAdapter(baseURL string, params SDWebUIParams, artifacts *ArtifactStore) *SDWebUIAdapter {
	if params.TimeoutSec <= 0 {
		params.TimeoutSec = 300
	}

	logger.Info("SD WebUI adapter initialized",
		zap.String("base_url", baseURL),
		zap.Int("steps", params.Steps),
		zap.Float64("denoising_strength", params.DenoisingStrength),
	)

	return &SDWebUIAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(params.TimeoutSec) * time.Second,
		},
		params:    params,
		artifacts: artifacts,
	}
}

func (a *SDWebUIAdapter) Name() string {
	return "sdwebui"
}

// Capacity is 1: request execution monopolizes the GPU.
func (a *SDWebUIAdapter) Capacity() int {
	return 1
}

func (a *SDWebUIAdapter) Generate(ctx context.Context, prompt string, sourceImageRef string) (*RawResult, error) {
	var body interface{}
	var endpoint string

	if sourceImageRef == "" {
		endpoint = "/sdapi/v1/txt2img"
		body = sdTxt2ImgRequest{
			Prompt:      prompt,
			Steps:       a.params.Steps,
			CFGScale:    a.params.CFGScale,
			SamplerName: a.params.Sampler,
			Width:       a.params.Width,
			Height:      a.params.Height,
			Seed:        -1,
		}
	} else {
		src, err := a.artifacts.Get(sourceImageRef)
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Backend: a.Name(), Message: "source image missing", Err: err}
		}
		endpoint = "/sdapi/v1/img2img"
		body = sdImg2ImgRequest{
			InitImages:        []string{base64.StdEncoding.EncodeToString(src)},
			Prompt:            prompt,
			Steps:             a.params.Steps,
			CFGScale:          a.params.CFGScale,
			SamplerName:       a.params.Sampler,
			DenoisingStrength: a.params.DenoisingStrength,
			Seed:              -1,
		}
	}

	start := time.Now()
	resp, err := a.post(ctx, endpoint, body)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}

	if len(resp.Images) == 0 {
		return nil, &Error{Kind: KindMalformed, Backend: a.Name(), Message: "response carried no images"}
	}

	payload, err := base64.StdEncoding.DecodeString(resp.Images[0])
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Backend: a.Name(), Message: "response image is not valid base64", Err: err}
	}

	ref, err := a.artifacts.Put(payload, a.Name())
	if err != nil {
		return nil, err
	}

	return &RawResult{
		Payload:     payload,
		Message:     resp.Info,
		Refused:     censored(resp.Info),
		ArtifactRef: ref,
		LatencyMS:   latency,
	}, nil
}

func (a *SDWebUIAdapter) post(ctx context.Context, endpoint string, body interface{}) (*sdResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Backend: a.Name(), Message: "request marshal failed", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Backend: a.Name(), Message: "request build failed", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &Error{Kind: KindTransient, Backend: a.Name(), Message: "request timed out", Err: err}
		}
		return nil, &Error{Kind: KindTransient, Backend: a.Name(), Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Backend: a.Name(), Message: "response read failed", Err: err}
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimited, Backend: a.Name(), Message: string(data)}
	case httpResp.StatusCode >= 500:
		// The WebUI reports CUDA OOM and similar device faults as 5xx.
		return nil, &Error{Kind: KindTransient, Backend: a.Name(), Message: fmt.Sprintf("status %d: %s", httpResp.StatusCode, truncate(string(data), 200))}
	case httpResp.StatusCode >= 400:
		return nil, &Error{Kind: KindMalformed, Backend: a.Name(), Message: fmt.Sprintf("status %d: %s", httpResp.StatusCode, truncate(string(data), 200))}
	}

	var parsed sdResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &Error{Kind: KindMalformed, Backend: a.Name(), Message: "response parse failed", Err: err}
	}

	return &parsed, nil
}

// censored detects the WebUI safety checker replacing output, which is an
// explicit block signal rather than an ordinary generation.
func censored(info string) bool {
	lower := strings.ToLower(info)
	return strings.Contains(lower, "\"nsfw\": true") || strings.Contains(lower, "censored")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
