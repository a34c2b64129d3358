/*
Copyright The OpenInfer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package openai adapts a remote OpenAI-compatible endpoint (OpenAI
// itself, or any vLLM/sglang deployment) to the Provider interface.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/streaming"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	embeddingsPath      = "/v1/embeddings"

	// streaming uses a per-chunk inactivity deadline instead of an
	// overall call timeout
	chunkInactivityTimeout = 30 * time.Second
)

// Config describes the remote endpoint. APIKey authenticates against the
// remote service; tenancy stays a gateway concern.
type Config struct {
	ID             string        `json:"id"`
	Version        string        `json:"version"`
	Endpoint       string        `json:"endpoint"`
	APIKey         string        `json:"apiKey"`
	Timeout        time.Duration `json:"timeout"`
	MaxRetries     int           `json:"maxRetries"`
	Models         []string      `json:"models"`
	CostPerMTokens float64       `json:"costPerMTokens"`
	MaxContext     int           `json:"maxContextTokens"`
}

// Provider proxies to the remote endpoint with retrying transport.
type Provider struct {
	cfg    Config
	client *retryablehttp.Client
	models map[string]bool
}

func New(cfg Config) *Provider {
	if cfg.ID == "" {
		cfg.ID = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxContext <= 0 {
		cfg.MaxContext = 128000
	}
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil
	// retry transport failures only; status codes must reach
	// classifyStatus so 429/5xx map onto the gateway taxonomy
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	models := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = true
	}
	return &Provider{cfg: cfg, client: client, models: models}
}

func (p *Provider) Descriptor() api.ProviderDescriptor {
	return api.ProviderDescriptor{
		ID:      p.cfg.ID,
		Version: p.cfg.Version,
		Capabilities: api.ProviderCapabilities{
			Streaming:        true,
			FunctionCalling:  true,
			Embeddings:       true,
			MaxContextTokens: p.cfg.MaxContext,
			MaxOutputTokens:  16384,
			SupportedModels:  p.cfg.Models,
		},
		Health: api.HealthHealthy,
	}
}

func (p *Provider) Supports(modelID, tenantID string) bool {
	if len(p.models) == 0 {
		return true
	}
	return p.models[modelID]
}

func (p *Provider) CostPerMTokens() float64 { return p.cfg.CostPerMTokens }

func (p *Provider) Health() api.HealthState { return api.HealthHealthy }

func (p *Provider) Shutdown() {}

func (p *Provider) Infer(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error) {
	wire := req.ToChatRequest()
	wire.Stream = false

	start := time.Now()
	resp, err := p.post(ctx, chatCompletionsPath, wire)
	if err != nil {
		return api.InferenceResponse{}, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(p.cfg.ID, resp); err != nil {
		return api.InferenceResponse{}, err
	}

	var out api.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return api.InferenceResponse{}, apierror.Internal("provider %s: malformed response", p.cfg.ID).WithCause(err)
	}
	if len(out.Choices) == 0 {
		return api.InferenceResponse{}, apierror.Internal("provider %s: empty choices", p.cfg.ID)
	}
	choice := out.Choices[0]
	return api.InferenceResponse{
		RequestID:        req.RequestID,
		Content:          choice.Message.Content,
		Model:            out.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TokensUsed:       out.Usage.TotalTokens,
		DurationMs:       time.Since(start).Milliseconds(),
		FinishReason:     mapFinishReason(choice.FinishReason),
		Timestamp:        time.Now(),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req api.InferenceRequest) (*streaming.Stream, error) {
	wire := req.ToChatRequest()
	wire.Stream = true

	resp, err := p.post(ctx, chatCompletionsPath, wire)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(p.cfg.ID, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	stream := streaming.New(ctx, req.RequestID)
	go p.pump(resp.Body, stream)
	return stream, nil
}

// pump translates the remote SSE frames into stream chunks. The remote
// stream ends with data: [DONE]; chunk inactivity beyond the deadline
// fails the stream.
func (p *Provider) pump(body io.ReadCloser, stream *streaming.Stream) {
	defer body.Close()

	type scanResult struct {
		line string
		err  error
	}
	lines := make(chan scanResult)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanResult{line: scanner.Text()}:
			case <-stream.Context().Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case lines <- scanResult{err: err}:
			case <-stream.Context().Done():
			}
		}
	}()

	finish := api.FinishStop
	for {
		select {
		case <-stream.Context().Done():
			stream.CancelledByClient()
			return
		case <-time.After(chunkInactivityTimeout):
			stream.Fail(apierror.Timeout("provider %s: no chunk within %v", p.cfg.ID, chunkInactivityTimeout))
			return
		case res, ok := <-lines:
			if !ok {
				stream.Complete(finish)
				return
			}
			if res.err != nil {
				stream.Fail(apierror.ProviderUnavailable("provider %s: stream read failed", p.cfg.ID).WithCause(res.err))
				return
			}
			frame, done := api.ParseSSELine(res.line)
			if done {
				stream.Complete(finish)
				return
			}
			if frame == nil || len(frame.Choices) == 0 {
				continue
			}
			choice := frame.Choices[0]
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finish = mapFinishReason(*choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}
			if err := stream.Emit(choice.Delta.Content); err != nil {
				stream.CancelledByClient()
				return
			}
		}
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *Provider) Embed(ctx context.Context, modelID string, input []string) ([][]float32, error) {
	resp, err := p.post(ctx, embeddingsPath, embeddingRequest{Model: modelID, Input: input})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classifyStatus(p.cfg.ID, resp); err != nil {
		return nil, err
	}
	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierror.Internal("provider %s: malformed embeddings response", p.cfg.ID).WithCause(err)
	}
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

func (p *Provider) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apierror.Internal("provider %s: marshal request", p.cfg.ID).WithCause(err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, apierror.Internal("provider %s: build request", p.cfg.ID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierror.Timeout("provider %s: request deadline exceeded", p.cfg.ID).WithCause(err)
		}
		return nil, apierror.ProviderUnavailable("provider %s: request failed", p.cfg.ID).WithCause(err)
	}
	return resp, nil
}

// classifyStatus maps remote HTTP failures onto the gateway taxonomy.
func classifyStatus(providerID string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	klog.V(4).Infof("provider %s returned %d: %s", providerID, resp.StatusCode, snippet)
	msg := fmt.Sprintf("provider %s: upstream status %d", providerID, resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apierror.Authentication("%s", msg)
	case resp.StatusCode == http.StatusNotFound:
		return apierror.NotFound("%s", msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apierror.Overloaded("%s", msg)
	case resp.StatusCode == http.StatusBadRequest:
		return apierror.Validation("%s", msg)
	case resp.StatusCode >= 500:
		return apierror.ProviderUnavailable("%s", msg)
	default:
		return apierror.Internal("%s", msg)
	}
}

func mapFinishReason(reason string) api.FinishReason {
	switch reason {
	case "length":
		return api.FinishLength
	case "tool_calls", "function_call":
		return api.FinishToolCall
	case "content_filter":
		return api.FinishError
	default:
		return api.FinishStop
	}
}
