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

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

func testRequest(t *testing.T) api.InferenceRequest {
	t.Helper()
	req, err := api.NewRequest("default", "gpt-4o-mini").
		Messages(api.Message{Role: api.RoleUser, Content: "Hi"}).
		Params(api.SamplingParams{MaxTokens: 16}).
		Build()
	require.NoError(t, err)
	return req
}

func TestInfer_ParsesResponseAndAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var wire api.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.Equal(t, "gpt-4o-mini", wire.Model)
		assert.False(t, wire.Stream)

		resp := api.ChatCompletionResponse{
			Model: wire.Model,
			Choices: []api.ChatCompletionChoice{{
				Message:      api.Message{Role: api.RoleAssistant, Content: "Hello!"},
				FinishReason: "stop",
			}},
			Usage: api.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := New(Config{Endpoint: srv.URL, APIKey: "sk-test"})
	resp, err := p.Infer(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, api.FinishStop, resp.FinishReason)
	assert.Equal(t, 5, resp.TokensUsed)
}

func TestInfer_ClassifiesUpstreamStatus(t *testing.T) {
	cases := []struct {
		status int
		class  apierror.Class
	}{
		{http.StatusUnauthorized, apierror.ClassAuthentication},
		{http.StatusNotFound, apierror.ClassNotFound},
		{http.StatusTooManyRequests, apierror.ClassOverloaded},
		{http.StatusBadRequest, apierror.ClassValidation},
		{http.StatusBadGateway, apierror.ClassProviderUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		p := New(Config{Endpoint: srv.URL, MaxRetries: 0})
		_, err := p.Infer(context.Background(), testRequest(t))
		require.Error(t, err, "status %d", tc.status)
		ge, ok := apierror.As(err)
		require.True(t, ok)
		assert.Equal(t, tc.class, ge.Class, "status %d", tc.status)
		srv.Close()
	}
}

func TestInfer_StatusCodesBypassRetries(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New(Config{Endpoint: srv.URL, MaxRetries: 3})
	_, err := p.Infer(context.Background(), testRequest(t))
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassOverloaded, ge.Class)
	assert.Equal(t, 1, hits)
}

func TestStream_ParsesSSEFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"Hel", "lo"} {
			frame := api.ChatCompletionStreamResponse{
				Choices: []api.ChatCompletionStreamChoice{{Delta: api.ChatDelta{Content: tok}}},
			}
			payload, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		stop := "stop"
		frame := api.ChatCompletionStreamResponse{
			Choices: []api.ChatCompletionStreamChoice{{FinishReason: &stop}},
		}
		payload, _ := json.Marshal(frame)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	p := New(Config{Endpoint: srv.URL})
	stream, err := p.Stream(context.Background(), testRequest(t))
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
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.True(t, terminal.IsComplete)
	assert.Equal(t, api.FinishStop, terminal.FinishReason)
	assert.NoError(t, stream.Err())
}

func TestSupports_ScopedModels(t *testing.T) {
	p := New(Config{Endpoint: "http://unused", Models: []string{"gpt-4o"}})
	assert.True(t, p.Supports("gpt-4o", "any-tenant"))
	assert.False(t, p.Supports("llama-3-8b", "any-tenant"))

	open := New(Config{Endpoint: "http://unused"})
	assert.True(t, open.Supports("anything", "t"))
}
