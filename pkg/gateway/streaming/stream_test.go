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

package streaming

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/api"
)

func TestStream_MonotonicSequenceAndSingleTerminal(t *testing.T) {
	s := New(context.Background(), "req-1")

	go func() {
		for _, tok := range []string{"a", "b", "c"} {
			require.NoError(t, s.Emit(tok))
		}
		s.Complete(api.FinishStop)
	}()

	var chunks []api.StreamChunk
	for c := range s.Chunks() {
		chunks = append(chunks, c)
	}

	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, i, c.SequenceNumber)
		assert.Equal(t, "req-1", c.RequestID)
	}
	terminal := chunks[len(chunks)-1]
	assert.True(t, terminal.IsComplete)
	assert.Equal(t, api.FinishStop, terminal.FinishReason)
	for _, c := range chunks[:3] {
		assert.False(t, c.IsComplete)
	}
	assert.NoError(t, s.Err())
}

func TestStream_FailRetainsDeliveredChunks(t *testing.T) {
	s := New(context.Background(), "req-2")

	go func() {
		_ = s.Emit("partial")
		s.Fail(assert.AnError)
	}()

	var deltas []string
	var terminal api.StreamChunk
	for c := range s.Chunks() {
		if c.IsComplete {
			terminal = c
			continue
		}
		deltas = append(deltas, c.Delta)
	}
	assert.Equal(t, []string{"partial"}, deltas)
	assert.Equal(t, api.FinishError, terminal.FinishReason)
	assert.Error(t, s.Err())
	assert.Equal(t, 1, s.Emitted())
}

func TestStream_CancelStopsProducerNextEmit(t *testing.T) {
	s := New(context.Background(), "req-3")

	emitErr := make(chan error, 1)
	go func() {
		// fill channel buffer is irrelevant; consumer reads one then cancels
		if err := s.Emit("t0"); err != nil {
			emitErr <- err
			return
		}
		<-s.Context().Done()
		s.CancelledByClient()
		emitErr <- nil
	}()

	first := <-s.Chunks()
	assert.Equal(t, 0, first.SequenceNumber)
	s.Cancel()
	s.Cancel() // idempotent

	require.NoError(t, <-emitErr)
	for range s.Chunks() {
		// drain whatever made it out before cancellation
	}
}

func TestStream_DoubleFinishIsNoop(t *testing.T) {
	s := New(context.Background(), "req-4")
	s.Complete(api.FinishStop)
	s.Complete(api.FinishLength)
	s.Fail(assert.AnError)

	var terminals int
	for c := range s.Chunks() {
		if c.IsComplete {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.NoError(t, s.Err())
}

func TestDrain_Aggregates(t *testing.T) {
	s := New(context.Background(), "req-5")
	go func() {
		_ = s.Emit("hello ")
		_ = s.Emit("world")
		s.Complete(api.FinishLength)
	}()

	resp, err := Drain(s)
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, 2, resp.CompletionTokens)
	assert.Equal(t, api.FinishLength, resp.FinishReason)
}

func TestSSEWriter_Framing(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)

	require.NoError(t, w.WriteChunk(api.StreamChunk{RequestID: "r", SequenceNumber: 0, Delta: "hi"}))
	require.NoError(t, w.WriteDone())

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "data: {"))
	assert.Contains(t, out, `"delta":"hi"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}
