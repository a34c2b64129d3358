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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/kvcache"
	"github.com/openinfer/openinfer/pkg/gateway/provider/native"
)

func testManager(t *testing.T, loader native.Loader, kvBlocks int) *Manager {
	t.Helper()
	var kv *kvcache.Manager
	if kvBlocks > 0 {
		var err error
		kv, err = kvcache.NewManager(kvcache.Config{
			BlockSize: 4, TotalBlocks: kvBlocks, HiddenDim: 8, HeadCount: 1, ElementBytes: 2,
		})
		require.NoError(t, err)
	}
	return NewManager(loader, kv, Config{
		ProviderID:            "gguf",
		ModelPath:             "/models/test.gguf",
		Device:                "cpu",
		MaxConcurrentRequests: 2,
		MaxRetries:            1,
	})
}

func buildRequest(t *testing.T, prompt string, maxTokens int) api.InferenceRequest {
	t.Helper()
	req, err := api.NewRequest("default", "test-model").
		Messages(api.Message{Role: api.RoleUser, Content: prompt}).
		Params(api.SamplingParams{MaxTokens: maxTokens}).
		Build()
	require.NoError(t, err)
	return req.WithStage(api.StageCombined).WithPromptTokenCount(len(prompt) / 4)
}

func TestSessionInfer_EchoesPrompt(t *testing.T) {
	m := testManager(t, &native.SimLoader{}, 16)
	s, err := m.GetSession(context.Background(), "default", "test-model")
	require.NoError(t, err)

	resp, err := s.Infer(context.Background(), buildRequest(t, "hello world again", 10))
	require.NoError(t, err)
	assert.Equal(t, "hello world again", resp.Content)
	assert.Equal(t, api.FinishStop, resp.FinishReason)
	assert.Equal(t, 3, resp.CompletionTokens)
}

func TestSessionInfer_LengthCap(t *testing.T) {
	m := testManager(t, &native.SimLoader{}, 16)
	s, err := m.GetSession(context.Background(), "default", "test-model")
	require.NoError(t, err)

	resp, err := s.Infer(context.Background(), buildRequest(t, "one two three four", 2))
	require.NoError(t, err)
	assert.Equal(t, "one two", resp.Content)
	assert.Equal(t, api.FinishLength, resp.FinishReason)
}

func TestSessionInfer_ReleasesKVBlocks(t *testing.T) {
	kv, err := kvcache.NewManager(kvcache.Config{
		BlockSize: 4, TotalBlocks: 8, HiddenDim: 8, HeadCount: 1, ElementBytes: 2,
	})
	require.NoError(t, err)
	m := NewManager(&native.SimLoader{}, kv, Config{
		ProviderID: "gguf", MaxConcurrentRequests: 1, MaxRetries: 0,
	})
	s, err := m.GetSession(context.Background(), "default", "test-model")
	require.NoError(t, err)

	_, err = s.Infer(context.Background(), buildRequest(t, "some longer prompt with several words", 4))
	require.NoError(t, err)
	assert.Equal(t, 8, kv.Stats().FreeBlocks, "blocks must return to the pool after the request")
}

func TestSessionInfer_CacheExhaustionIsRetryable(t *testing.T) {
	m := testManager(t, &native.SimLoader{}, 1)
	s, err := m.GetSession(context.Background(), "default", "test-model")
	require.NoError(t, err)

	req := buildRequest(t, "x", 4).WithPromptTokenCount(100)
	_, err = s.Infer(context.Background(), req)
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassCacheExhausted, ge.Class)
	assert.True(t, ge.Retryable)
}

func TestSessionStream_CancelMidStream(t *testing.T) {
	kv, err := kvcache.NewManager(kvcache.Config{
		BlockSize: 4, TotalBlocks: 8, HiddenDim: 8, HeadCount: 1, ElementBytes: 2,
	})
	require.NoError(t, err)
	m := NewManager(&native.SimLoader{TokenDelay: 5 * time.Millisecond}, kv, Config{
		ProviderID: "gguf", MaxConcurrentRequests: 1,
	})
	s, err := m.GetSession(context.Background(), "default", "test-model")
	require.NoError(t, err)

	req := buildRequest(t, "a b c d e f g h i j k l", 12)
	stream, err := s.Stream(context.Background(), req)
	require.NoError(t, err)

	seen := 0
	var last api.StreamChunk
	for chunk := range stream.Chunks() {
		last = chunk
		if chunk.IsComplete {
			break
		}
		seen++
		if seen == 3 {
			stream.Cancel()
		}
	}
	// drain anything buffered after the terminal
	for range stream.Chunks() {
	}

	assert.GreaterOrEqual(t, seen, 3)
	if last.IsComplete {
		assert.Equal(t, api.FinishCancelled, last.FinishReason)
	}

	// sequence blocks are released after cancellation
	require.Eventually(t, func() bool {
		return kv.Stats().FreeBlocks == 8
	}, time.Second, 10*time.Millisecond)
}

func TestSessionStream_CompletesWithStop(t *testing.T) {
	m := testManager(t, &native.SimLoader{}, 16)
	s, err := m.GetSession(context.Background(), "default", "test-model")
	require.NoError(t, err)

	stream, err := s.Stream(context.Background(), buildRequest(t, "alpha beta", 10))
	require.NoError(t, err)

	var seqs []int
	var terminal api.StreamChunk
	for chunk := range stream.Chunks() {
		seqs = append(seqs, chunk.SequenceNumber)
		if chunk.IsComplete {
			terminal = chunk
		}
	}
	require.NotEmpty(t, seqs)
	for i, seq := range seqs {
		assert.Equal(t, i, seq)
	}
	assert.Equal(t, api.FinishStop, terminal.FinishReason)
}

func TestManager_LoadFailureAfterRetries(t *testing.T) {
	m := testManager(t, &native.SimLoader{FailLoad: native.CodeNotFound}, 0)
	s, err := m.GetSession(context.Background(), "default", "missing-model")
	assert.Nil(t, s)
	require.Error(t, err)
}

func TestManager_CachesSessions(t *testing.T) {
	m := testManager(t, &native.SimLoader{}, 0)
	a, err := m.GetSession(context.Background(), "default", "test-model")
	require.NoError(t, err)
	b, err := m.GetSession(context.Background(), "default", "test-model")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := m.GetSession(context.Background(), "other-tenant", "test-model")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestHealthWindow_Thresholds(t *testing.T) {
	h := newHealthWindow(10)
	assert.Equal(t, api.HealthHealthy, h.State())

	for i := 0; i < 10; i++ {
		h.Record(true)
	}
	assert.Equal(t, api.HealthHealthy, h.State())

	// 3 failures in the last 10: degraded
	for i := 0; i < 3; i++ {
		h.Record(false)
	}
	for i := 0; i < 7; i++ {
		h.Record(true)
	}
	assert.Equal(t, api.HealthDegraded, h.State())

	// 6 failures: unhealthy
	for i := 0; i < 6; i++ {
		h.Record(false)
	}
	for i := 0; i < 4; i++ {
		h.Record(true)
	}
	assert.Equal(t, api.HealthUnhealthy, h.State())
}
