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

// Package native fronts the in-process model runners (llama.cpp for GGUF
// weights, libtorch for TorchScript). The bindings themselves are opaque;
// this package pins down the calling convention the gateway relies on:
// explicit ErrorBuf out-parameters instead of thread-local error state,
// and an iterator-style generation loop so callers can observe
// cancellation between tokens.
package native

import (
	"fmt"
)

// ErrorBuf receives failure details from a native call. Callers pass a
// fresh buffer per call; the bridge never stores error state in
// thread-locals.
type ErrorBuf struct {
	Code    int32
	Message string
}

// Set fills the buffer. Native adapters call this on failure.
func (e *ErrorBuf) Set(code int32, format string, args ...interface{}) {
	e.Code = code
	e.Message = fmt.Sprintf(format, args...)
}

// Err converts the buffer to a Go error, nil when no failure was recorded.
func (e *ErrorBuf) Err() error {
	if e.Code == 0 {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message}
}

// Error is a failed native call.
type Error struct {
	Code    int32
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("native error %d: %s", e.Code, e.Message)
}

// Native error codes. Classification into retryable/non-retryable happens
// in the session layer.
const (
	CodeOK          int32 = 0
	CodeOutOfMemory int32 = 1
	CodeInvalidArg  int32 = 2
	CodeNotFound    int32 = 3
	CodeDeviceBusy  int32 = 4
	CodeInternal    int32 = 5
)

// StopCondition is the runner's reason for ending generation.
type StopCondition int32

const (
	StopNone StopCondition = iota
	StopEOS
	StopLength
	StopToolCall
	StopAborted
)

// LoadOptions configure model load.
type LoadOptions struct {
	ModelPath  string
	Device     string
	ContextLen int
	// KVBlocks are the physical block indices the runner may write K/V
	// state into; managed by the kvcache manager, not the runner.
	Threads int
}

// GenerationParams start one generation.
type GenerationParams struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
	Seed        int64
	Stop        []string
}

// TokenEvent is one step of the generation loop.
type TokenEvent struct {
	Token string
	Stop  StopCondition
}

// Generation is an in-flight native generation. Not safe for concurrent
// use; the owning session serializes access.
type Generation interface {
	// Next produces the next token. ok=false with an empty ErrorBuf
	// means generation finished; inspect the last event's Stop.
	Next(errBuf *ErrorBuf) (TokenEvent, bool)
	// Abort stops generation at the next step. Idempotent.
	Abort()
	// Close releases per-generation native state.
	Close()
}

// Runner is a loaded model instance. Runners are not thread-safe; the
// session layer enforces at-most-N concurrent generations per its config.
type Runner interface {
	Begin(params GenerationParams, errBuf *ErrorBuf) (Generation, bool)
	Close()
}

// Loader opens a Runner for a model artifact. One Loader per backend
// (gguf, torch); implementations wrap the actual native bindings.
type Loader interface {
	Load(opts LoadOptions, errBuf *ErrorBuf) (Runner, bool)
}
