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

// OpenAI-compatible chat/completions wire shapes. These are what the REST
// surface accepts and what remote providers speak. vLLM and sglang expose
// the same schema, so one set of structs covers all HTTP backends.
package api

import (
	"encoding/json"
	"strings"
)

type ChatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Seed        *int64           `json:"seed,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  interface{}      `json:"tool_choice,omitempty"`
	User        string           `json:"user,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatCompletionChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type ChatCompletionStreamChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason,omitempty"`
}

type ChatCompletionStreamResponse struct {
	ID      string                       `json:"id"`
	Object  string                       `json:"object"`
	Created int64                        `json:"created"`
	Model   string                       `json:"model"`
	Choices []ChatCompletionStreamChoice `json:"choices"`
	Usage   *Usage                       `json:"usage,omitempty"`
}

const (
	sseDataPrefix = "data: "
	sseDoneMsg    = "[DONE]"
)

// ParseSSELine strips the SSE framing from one line of an OpenAI-style
// stream. Returns (nil, true) on the [DONE] sentinel and (nil, false) for
// lines that carry no event payload.
func ParseSSELine(line string) (*ChatCompletionStreamResponse, bool) {
	if !strings.HasPrefix(line, sseDataPrefix) {
		return nil, false
	}
	payload := strings.TrimPrefix(line, sseDataPrefix)
	if strings.HasPrefix(payload, sseDoneMsg) {
		return nil, true
	}
	var resp ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, false
	}
	return &resp, false
}

// ToChatRequest converts the internal request to the provider wire shape.
func (r InferenceRequest) ToChatRequest() ChatCompletionRequest {
	out := ChatCompletionRequest{
		Model:     r.Model,
		Messages:  r.Messages,
		MaxTokens: r.Params.MaxTokens,
		Stop:      r.Params.Stop,
		Stream:    r.Streaming,
		Tools:     r.Tools,
	}
	if r.Params.Temperature != 0 {
		t := r.Params.Temperature
		out.Temperature = &t
	}
	if r.Params.TopP != 0 {
		p := r.Params.TopP
		out.TopP = &p
	}
	if r.Params.Seed != 0 {
		s := r.Params.Seed
		out.Seed = &s
	}
	return out
}
