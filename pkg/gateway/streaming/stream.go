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

// Package streaming is the chunk substrate between provider sessions and
// clients. A Stream is a lazy, finite, not-restartable sequence of chunks
// with strictly increasing sequence numbers and exactly one terminal
// chunk. Producer-side cancellation is observed through Context; the
// producer must check it every generation iteration.
package streaming

import (
	"context"
	"sync"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

const defaultBuffer = 64

// Stream carries chunks from one producer to one consumer.
type Stream struct {
	requestID string
	ch        chan api.StreamChunk
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	nextSeq  int
	finished bool
	err      error
	emitted  int
}

// New builds a stream bound to the request's lifetime. Cancelling the
// parent context cancels the stream.
func New(parent context.Context, requestID string) *Stream {
	ctx, cancel := context.WithCancel(parent)
	return &Stream{
		requestID: requestID,
		ch:        make(chan api.StreamChunk, defaultBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Stream) RequestID() string { return s.requestID }

// Context is the producer's cancellation signal.
func (s *Stream) Context() context.Context { return s.ctx }

// Chunks is the consumer side. The channel closes after the terminal
// chunk; chunks delivered before a failure stay delivered.
func (s *Stream) Chunks() <-chan api.StreamChunk { return s.ch }

// Err returns the terminal error, if the stream failed. Valid after the
// chunk channel closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emitted returns how many non-terminal chunks went out. The reliability
// envelope uses this to forbid retries after first emission.
func (s *Stream) Emitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

// Emit sends one delta chunk. Returns the stream context's error when the
// stream was cancelled, so producers stop within the same iteration.
func (s *Stream) Emit(delta string) error {
	return s.emit(api.StreamChunk{Delta: delta})
}

// EmitToolCall sends a tool-call fragment.
func (s *Stream) EmitToolCall(delta string, tc api.ToolCallDelta) error {
	return s.emit(api.StreamChunk{Delta: delta, ToolCallDelta: &tc})
}

func (s *Stream) emit(chunk api.StreamChunk) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return apierror.Internal("emit on finished stream %s", s.requestID)
	}
	chunk.RequestID = s.requestID
	chunk.SequenceNumber = s.nextSeq
	s.nextSeq++
	s.emitted++
	s.mu.Unlock()

	select {
	case s.ch <- chunk:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Complete terminates the stream successfully.
func (s *Stream) Complete(reason api.FinishReason) {
	s.finish(reason, nil)
}

// Fail terminates the stream with an error after the last delivered
// chunk. Already-delivered chunks are retained by the consumer.
func (s *Stream) Fail(err error) {
	s.finish(api.FinishError, err)
}

// CancelledByClient terminates with a cancelled chunk.
func (s *Stream) CancelledByClient() {
	s.finish(api.FinishCancelled, nil)
}

func (s *Stream) finish(reason api.FinishReason, err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	terminal := api.StreamChunk{
		RequestID:      s.requestID,
		SequenceNumber: s.nextSeq,
		IsComplete:     true,
		FinishReason:   reason,
	}
	s.nextSeq++
	s.mu.Unlock()

	// best effort: the consumer may already be gone on cancellation
	select {
	case s.ch <- terminal:
	case <-s.ctx.Done():
	}
	close(s.ch)
	s.cancel()
}

// Cancel is the consumer-side abort. Idempotent; the producer observes it
// on its next Emit or context check.
func (s *Stream) Cancel() {
	s.cancel()
}

// Drain consumes the whole stream and aggregates it into a response.
// Used by the synchronous path when a provider only streams.
func Drain(s *Stream) (api.InferenceResponse, error) {
	var content []byte
	reason := api.FinishStop
	n := 0
	for chunk := range s.Chunks() {
		if chunk.IsComplete {
			if chunk.FinishReason != "" {
				reason = chunk.FinishReason
			}
			continue
		}
		content = append(content, chunk.Delta...)
		n++
	}
	if err := s.Err(); err != nil {
		return api.InferenceResponse{}, err
	}
	return api.InferenceResponse{
		RequestID:        s.requestID,
		Content:          string(content),
		CompletionTokens: n,
		FinishReason:     reason,
	}, nil
}
