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

package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/audit"
	"github.com/openinfer/openinfer/pkg/gateway/metrics"
	"github.com/openinfer/openinfer/pkg/gateway/provider"
	"github.com/openinfer/openinfer/pkg/gateway/reliability"
	"github.com/openinfer/openinfer/pkg/gateway/scheduler"
	"github.com/openinfer/openinfer/pkg/gateway/streaming"
)

type fakeProvider struct {
	id         string
	maxContext int
	inferErr   error
	streamed   []string
}

func (f *fakeProvider) Descriptor() api.ProviderDescriptor {
	return api.ProviderDescriptor{
		ID:      f.id,
		Version: "1",
		Capabilities: api.ProviderCapabilities{
			Streaming:        true,
			MaxContextTokens: f.maxContext,
		},
		Health: api.HealthHealthy,
	}
}

func (f *fakeProvider) Supports(modelID, tenantID string) bool { return true }

func (f *fakeProvider) Infer(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error) {
	if f.inferErr != nil {
		return api.InferenceResponse{}, f.inferErr
	}
	return api.InferenceResponse{
		RequestID:        req.RequestID,
		Content:          "echo: " + req.Prompt(),
		Model:            req.Model,
		PromptTokens:     req.PromptTokenCount,
		CompletionTokens: 3,
		TokensUsed:       req.PromptTokenCount + 3,
		FinishReason:     api.FinishStop,
	}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req api.InferenceRequest) (*streaming.Stream, error) {
	st := streaming.New(ctx, req.RequestID)
	go func() {
		for _, tok := range f.streamed {
			if st.Emit(tok) != nil {
				st.CancelledByClient()
				return
			}
		}
		st.Complete(api.FinishStop)
	}()
	return st, nil
}

func (f *fakeProvider) Embed(ctx context.Context, modelID string, input []string) ([][]float32, error) {
	return nil, apierror.NotFound("no embeddings")
}

func (f *fakeProvider) Health() api.HealthState { return api.HealthHealthy }
func (f *fakeProvider) CostPerMTokens() float64 { return 1.0 }
func (f *fakeProvider) Shutdown()               {}

func newTestOrchestrator(t *testing.T, cfg Config, p *fakeProvider) (*Orchestrator, *audit.MemoryStore) {
	t.Helper()
	registry := provider.NewRegistry()
	if p != nil {
		registry.Register(&provider.Registered{
			Provider: p,
			Envelope: reliability.NewEnvelope(p.id, reliability.DefaultConfig(), nil),
		})
	}
	trail := audit.NewMemoryStore(100)
	o := New(cfg, registry,
		scheduler.Config{Strategy: scheduler.StrategyDynamic, MaxBatchSize: 4, MaxWaitTime: 5 * time.Millisecond},
		nil, metrics.NewPublisher(), trail)
	t.Cleanup(o.Close)
	return o, trail
}

func request(t *testing.T, prompt string) api.InferenceRequest {
	t.Helper()
	req, err := api.NewRequest("default", "llama-3-8b").
		Messages(api.Message{Role: api.RoleUser, Content: prompt}).
		Build()
	require.NoError(t, err)
	return req
}

func TestResolveStage_DisaggregationOff(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{Disaggregation: false, SmallPromptThreshold: 5}, &fakeProvider{id: "gguf"})

	got := o.ResolveStage(request(t, strings.Repeat("long prompt ", 20)))
	assert.Equal(t, api.StageCombined, got.Stage)
}

func TestResolveStage_SmallPromptStaysCombined(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{Disaggregation: true, SmallPromptThreshold: 5}, &fakeProvider{id: "gguf"})

	got := o.ResolveStage(request(t, "Hi"))
	assert.Equal(t, api.StageCombined, got.Stage)
	assert.Greater(t, got.PromptTokenCount, 0)
}

func TestResolveStage_LargePromptEntersPrefill(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{Disaggregation: true, SmallPromptThreshold: 5}, &fakeProvider{id: "gguf"})

	// 72 chars estimates to ~18 tokens, over the threshold of 5
	prompt := strings.Repeat("abcd", 18)
	got := o.ResolveStage(request(t, prompt))
	assert.Equal(t, api.StagePrefill, got.Stage)
	assert.Equal(t, 18, got.PromptTokenCount)
}

func TestResolveStage_ExplicitStageRespected(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{Disaggregation: false}, &fakeProvider{id: "gguf"})

	req := request(t, "hello").WithStage(api.StageDecode)
	got := o.ResolveStage(req)
	assert.Equal(t, api.StageDecode, got.Stage)
}

func TestExecute_SuccessAuditsCompletion(t *testing.T) {
	o, trail := newTestOrchestrator(t, DefaultConfig(), &fakeProvider{id: "gguf"})

	req := request(t, "Hi")
	resp, err := o.Execute(context.Background(), req, provider.RoutingContext{})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "Hi")
	assert.Equal(t, "gguf", resp.Provider)

	rows, err := trail.ByRequest(context.Background(), req.RequestID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, api.RecordProcessing, rows[0].Status)
	assert.Equal(t, api.RecordCompleted, rows[1].Status)
	require.NotNil(t, rows[1].CompletedAt)
}

func TestExecute_NoProviderAuditsFailure(t *testing.T) {
	o, trail := newTestOrchestrator(t, DefaultConfig(), nil)

	req := request(t, "Hi")
	_, err := o.Execute(context.Background(), req, provider.RoutingContext{})
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassProviderUnavailable, ge.Class)

	rows, err := trail.ByRequest(context.Background(), req.RequestID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, api.RecordFailed, rows[1].Status)
	assert.NotEmpty(t, rows[1].ErrorMessage)
}

func TestExecute_ContextTooLongRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, DefaultConfig(), &fakeProvider{id: "gguf", maxContext: 10})

	req := request(t, strings.Repeat("word ", 100))
	_, err := o.Execute(context.Background(), req, provider.RoutingContext{})
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassContextTooLong, ge.Class)
}

func TestStream_RelaysChunksAndAudits(t *testing.T) {
	p := &fakeProvider{id: "gguf", streamed: []string{"Hel", "lo", "!"}}
	o, trail := newTestOrchestrator(t, DefaultConfig(), p)

	req := request(t, "Hi")
	stream, err := o.Stream(context.Background(), req, provider.RoutingContext{})
	require.NoError(t, err)

	var deltas []string
	var terminal api.StreamChunk
	for chunk := range stream.Chunks() {
		if chunk.IsComplete {
			terminal = chunk
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}
	assert.Equal(t, []string{"Hel", "lo", "!"}, deltas)
	assert.Equal(t, api.FinishStop, terminal.FinishReason)

	assert.Eventually(t, func() bool {
		rows, _ := trail.ByRequest(context.Background(), req.RequestID)
		return len(rows) == 2 && rows[1].Status == api.RecordCompleted
	}, time.Second, 10*time.Millisecond)
}
