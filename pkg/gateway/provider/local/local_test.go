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

package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/kvcache"
	"github.com/openinfer/openinfer/pkg/gateway/provider/native"
	"github.com/openinfer/openinfer/pkg/gateway/session"
)

func testKV(t *testing.T) *kvcache.Manager {
	t.Helper()
	kv, err := kvcache.NewManager(kvcache.Config{
		BlockSize: 4, TotalBlocks: 32, HiddenDim: 8, HeadCount: 1, ElementBytes: 2,
	})
	require.NoError(t, err)
	return kv
}

func testRequest(t *testing.T, model, prompt string) api.InferenceRequest {
	t.Helper()
	req, err := api.NewRequest("default", model).
		Messages(api.Message{Role: api.RoleUser, Content: prompt}).
		Params(api.SamplingParams{MaxTokens: 16}).
		Build()
	require.NoError(t, err)
	return req.WithStage(api.StageCombined).WithPromptTokenCount(len(prompt) / 4)
}

func TestGGUF_InferEchoes(t *testing.T) {
	p := NewGGUF(&native.SimLoader{}, testKV(t), session.Config{
		ModelPath: "/models/test.gguf", MaxConcurrentRequests: 2,
	}, "1", nil)
	t.Cleanup(p.Shutdown)

	resp, err := p.Infer(context.Background(), testRequest(t, "any-model", "hello world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, api.FinishStop, resp.FinishReason)
}

func TestGGUF_StreamDeliversTokens(t *testing.T) {
	p := NewGGUF(&native.SimLoader{}, testKV(t), session.Config{
		ModelPath: "/models/test.gguf", MaxConcurrentRequests: 2,
	}, "1", nil)
	t.Cleanup(p.Shutdown)

	stream, err := p.Stream(context.Background(), testRequest(t, "any-model", "one two three"))
	require.NoError(t, err)

	var got string
	for chunk := range stream.Chunks() {
		got += chunk.Delta
	}
	assert.Equal(t, "one two three", got)
	require.NoError(t, stream.Err())
}

func TestSupports_ScopedModelList(t *testing.T) {
	p := NewGGUF(&native.SimLoader{}, testKV(t), session.Config{
		ModelPath: "/models/test.gguf",
	}, "1", []string{"llama-3-8b"})
	t.Cleanup(p.Shutdown)

	assert.True(t, p.Supports("llama-3-8b", "default"))
	assert.False(t, p.Supports("mistral-7b", "default"))
}

func TestSupports_EmptyListServesAll(t *testing.T) {
	p := NewGGUF(&native.SimLoader{}, testKV(t), session.Config{
		ModelPath: "/models/test.gguf",
	}, "1", nil)
	t.Cleanup(p.Shutdown)

	assert.True(t, p.Supports("anything", "default"))
}

func TestInfer_LoadFailureIsProviderUnavailable(t *testing.T) {
	p := NewGGUF(&native.SimLoader{FailLoad: native.CodeNotFound}, testKV(t), session.Config{
		ModelPath: "/models/missing.gguf",
	}, "1", nil)
	t.Cleanup(p.Shutdown)

	_, err := p.Infer(context.Background(), testRequest(t, "m", "hi"))
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassProviderUnavailable, ge.Class)
}

func TestTorch_EmbeddingsNotYetAvailable(t *testing.T) {
	p := NewTorch(&native.SimLoader{}, testKV(t), session.Config{
		ModelPath: "/models/test.pt",
	}, "1", nil)
	t.Cleanup(p.Shutdown)

	// the capability flag must match what Embed actually does
	assert.False(t, p.Descriptor().Capabilities.Embeddings)

	_, err := p.Embed(context.Background(), "m", []string{"text"})
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassNotFound, ge.Class)
}

func TestGGUF_EmbedUnsupported(t *testing.T) {
	p := NewGGUF(&native.SimLoader{}, testKV(t), session.Config{
		ModelPath: "/models/test.gguf",
	}, "1", nil)
	t.Cleanup(p.Shutdown)

	_, err := p.Embed(context.Background(), "m", []string{"text"})
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassNotFound, ge.Class)
}
