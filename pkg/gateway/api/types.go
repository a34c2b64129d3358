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

// Package api holds the value types exchanged between the gateway components:
// inference requests and responses, stream chunks, model manifests and
// provider descriptors. All types here are immutable once built and JSON
// round-trippable.
package api

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// InferenceStage classifies which phase of generation a request targets.
// UNRESOLVED requests are classified by the orchestrator before dispatch.
type InferenceStage string

const (
	StagePrefill    InferenceStage = "PREFILL"
	StageDecode     InferenceStage = "DECODE"
	StageCombined   InferenceStage = "COMBINED"
	StageUnresolved InferenceStage = "UNRESOLVED"
)

// FinishReason reports why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCall  FinishReason = "tool_call"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// Message is a single chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SamplingParams are the generation knobs the gateway understands.
// Zero values mean "provider default".
type SamplingParams struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ToolDefinition describes a tool the model may call, in the
// OpenAI-compatible function calling shape.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// InferenceRequest is the gateway-internal request representation.
// Built once at admission and passed by value; never mutated afterwards.
// Stage reclassification produces a copy via WithStage.
type InferenceRequest struct {
	RequestID        string           `json:"requestId"`
	TenantID         string           `json:"tenantId"`
	Model            string           `json:"model"`
	Messages         []Message        `json:"messages"`
	Params           SamplingParams   `json:"params"`
	Tools            []ToolDefinition `json:"tools,omitempty"`
	Streaming        bool             `json:"streaming"`
	Priority         int              `json:"priority"`
	Stage            InferenceStage   `json:"inferenceStage"`
	PromptTokenCount int              `json:"promptTokenCount"`
	SubmittedAt      time.Time        `json:"submittedAt"`
}

// WithStage returns a copy of the request with the stage resolved.
func (r InferenceRequest) WithStage(stage InferenceStage) InferenceRequest {
	r.Stage = stage
	return r
}

// WithPromptTokenCount returns a copy with the prompt token count attached.
func (r InferenceRequest) WithPromptTokenCount(n int) InferenceRequest {
	r.PromptTokenCount = n
	return r
}

// Prompt concatenates message contents. Used for token estimation and
// prefix hashing, not for provider wire formats.
func (r InferenceRequest) Prompt() string {
	var total int
	for _, m := range r.Messages {
		total += len(m.Content) + 1
	}
	buf := make([]byte, 0, total)
	for i, m := range r.Messages {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, m.Content...)
	}
	return string(buf)
}

// InferenceResponse is the terminal result of a non-streaming request, or
// the aggregate of a drained stream.
type InferenceResponse struct {
	RequestID        string            `json:"requestId"`
	Content          string            `json:"content"`
	Model            string            `json:"model"`
	Provider         string            `json:"provider,omitempty"`
	TokensUsed       int               `json:"tokensUsed"`
	PromptTokens     int               `json:"promptTokens"`
	CompletionTokens int               `json:"completionTokens"`
	DurationMs       int64             `json:"durationMs"`
	FinishReason     FinishReason      `json:"finishReason"`
	Timestamp        time.Time         `json:"timestamp"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// ToolCallDelta is an incremental fragment of a streamed tool call.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamChunk is one token (or delta) of a streamed response. Sequence
// numbers are monotonic from 0 per request; exactly one chunk carries
// IsComplete=true and nothing follows it.
type StreamChunk struct {
	RequestID      string         `json:"requestId"`
	SequenceNumber int            `json:"sequenceNumber"`
	Delta          string         `json:"delta"`
	IsComplete     bool           `json:"isComplete"`
	FinishReason   FinishReason   `json:"finishReason,omitempty"`
	ToolCallDelta  *ToolCallDelta `json:"toolCallDelta,omitempty"`
}

// ModelFormat names a weight artifact layout.
type ModelFormat string

const (
	FormatGGUF        ModelFormat = "gguf"
	FormatTorchScript ModelFormat = "torchscript"
	FormatSafetensors ModelFormat = "safetensors"
)

// ModelArtifact locates one downloadable representation of a model.
type ModelArtifact struct {
	URI       string `json:"uri"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"sizeBytes"`
}

// ResourceRequirements are the minimum resources a model needs to load.
type ResourceRequirements struct {
	MinMemoryBytes int64 `json:"minMemoryBytes,omitempty"`
	MinGPUMemBytes int64 `json:"minGpuMemBytes,omitempty"`
	GPUCount       int   `json:"gpuCount,omitempty"`
}

// ModelManifest is the registered description of a servable model.
type ModelManifest struct {
	ModelID     string                        `json:"modelId"`
	DisplayName string                        `json:"displayName"`
	Version     string                        `json:"version"`
	TenantID    string                        `json:"tenantId"`
	Artifacts   map[ModelFormat]ModelArtifact `json:"artifacts"`
	Resources   ResourceRequirements          `json:"resources"`
	CreatedAt   time.Time                     `json:"createdAt"`
	UpdatedAt   time.Time                     `json:"updatedAt"`
}

// ProviderCapabilities advertises what a provider backend can do.
type ProviderCapabilities struct {
	Streaming          bool          `json:"streaming"`
	FunctionCalling    bool          `json:"functionCalling"`
	Multimodal         bool          `json:"multimodal"`
	Embeddings         bool          `json:"embeddings"`
	MaxContextTokens   int           `json:"maxContextTokens"`
	MaxOutputTokens    int           `json:"maxOutputTokens"`
	SupportedFormats   []ModelFormat `json:"supportedFormats,omitempty"`
	SupportedDevices   []string      `json:"supportedDevices,omitempty"`
	SupportedModels    []string      `json:"supportedModels,omitempty"`
	SupportedLanguages []string      `json:"supportedLanguages,omitempty"`
	Features           []string      `json:"features,omitempty"`
}

// HealthState is the coarse availability of a provider or session.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ProviderDescriptor identifies one registered provider version.
type ProviderDescriptor struct {
	ID           string               `json:"id"`
	Version      string               `json:"version"`
	Capabilities ProviderCapabilities `json:"capabilities"`
	Health       HealthState          `json:"health"`
}

// JobState is the lifecycle state of an async job. Transitions are
// monotonic; COMPLETED, FAILED and CANCELLED are terminal.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether the state admits no further transition.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// AsyncJob is the poll-able record of a deferred inference request.
type AsyncJob struct {
	JobID       string             `json:"jobId"`
	RequestID   string             `json:"requestId"`
	TenantID    string             `json:"tenantId"`
	State       JobState           `json:"state"`
	SubmittedAt time.Time          `json:"submittedAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Result      *InferenceResponse `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// RecordStatus is the audit status of a request.
type RecordStatus string

const (
	RecordPending    RecordStatus = "PENDING"
	RecordProcessing RecordStatus = "PROCESSING"
	RecordCompleted  RecordStatus = "COMPLETED"
	RecordFailed     RecordStatus = "FAILED"
	RecordTimeout    RecordStatus = "TIMEOUT"
)

// InferenceRequestRecord is the append-only audit row for one request.
type InferenceRequestRecord struct {
	ID           string       `json:"id"`
	RequestID    string       `json:"requestId"`
	TenantID     string       `json:"tenantId"`
	ModelID      string       `json:"modelId"`
	Status       RecordStatus `json:"status"`
	LatencyMs    int64        `json:"latencyMs"`
	ErrorCode    string       `json:"errorCode,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}
