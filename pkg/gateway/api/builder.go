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

package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestBuilder assembles an InferenceRequest. Build validates the
// accumulated fields and returns the immutable value.
type RequestBuilder struct {
	req InferenceRequest
}

// NewRequest starts a builder for the given tenant and model.
func NewRequest(tenantID, model string) *RequestBuilder {
	return &RequestBuilder{req: InferenceRequest{
		RequestID:   uuid.New().String(),
		TenantID:    tenantID,
		Model:       model,
		Stage:       StageUnresolved,
		SubmittedAt: time.Now(),
	}}
}

func (b *RequestBuilder) RequestID(id string) *RequestBuilder {
	if id != "" {
		b.req.RequestID = id
	}
	return b
}

func (b *RequestBuilder) Messages(msgs ...Message) *RequestBuilder {
	b.req.Messages = append(b.req.Messages, msgs...)
	return b
}

func (b *RequestBuilder) Params(p SamplingParams) *RequestBuilder {
	b.req.Params = p
	return b
}

func (b *RequestBuilder) Tools(tools []ToolDefinition) *RequestBuilder {
	b.req.Tools = tools
	return b
}

func (b *RequestBuilder) Streaming(on bool) *RequestBuilder {
	b.req.Streaming = on
	return b
}

func (b *RequestBuilder) Priority(p int) *RequestBuilder {
	b.req.Priority = p
	return b
}

func (b *RequestBuilder) Stage(stage InferenceStage) *RequestBuilder {
	b.req.Stage = stage
	return b
}

// Build validates and returns the request by value.
func (b *RequestBuilder) Build() (InferenceRequest, error) {
	r := b.req
	if r.Model == "" {
		return InferenceRequest{}, fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return InferenceRequest{}, fmt.Errorf("messages must not be empty")
	}
	if r.Params.MaxTokens < 0 {
		return InferenceRequest{}, fmt.Errorf("max_tokens must be >= 1, got %d", r.Params.MaxTokens)
	}
	if r.Params.Temperature < 0 || r.Params.Temperature > 2 {
		return InferenceRequest{}, fmt.Errorf("temperature must be in [0,2], got %v", r.Params.Temperature)
	}
	if r.Params.TopP < 0 || r.Params.TopP > 1 {
		return InferenceRequest{}, fmt.Errorf("top_p must be in (0,1], got %v", r.Params.TopP)
	}
	if r.Params.TopK < 0 {
		return InferenceRequest{}, fmt.Errorf("top_k must be >= 1, got %d", r.Params.TopK)
	}
	if r.TenantID == "" {
		r.TenantID = "default"
	}
	return r, nil
}
