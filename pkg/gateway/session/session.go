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

// Package session maintains warmed native runner sessions keyed by
// (tenant, model, provider). A session serializes access to its runner
// through a bounded FIFO semaphore and tracks health over a sliding
// window of call outcomes.
package session

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/kvcache"
	"github.com/openinfer/openinfer/pkg/gateway/provider/native"
	"github.com/openinfer/openinfer/pkg/gateway/streaming"
)

// Config tunes one provider's sessions.
type Config struct {
	ProviderID            string        `json:"providerId"`
	ModelPath             string        `json:"modelPath"`
	Device                string        `json:"device"`
	ContextLen            int           `json:"contextLen"`
	Threads               int           `json:"threads"`
	MaxConcurrentRequests int           `json:"maxConcurrentRequests"`
	Timeout               time.Duration `json:"timeout"`
	MaxRetries            int           `json:"maxRetries"`
	Prewarm               bool          `json:"prewarm"`
}

// Key identifies one session.
type Key struct {
	TenantID   string
	ModelID    string
	ProviderID string
}

// Session owns one loaded runner. At most cfg.MaxConcurrentRequests
// inferences run on it concurrently; acquisition is FIFO.
type Session struct {
	key    Key
	cfg    Config
	runner native.Runner
	kv     *kvcache.Manager
	slots  chan struct{}
	health *healthWindow
	// lastUsed is read by the manager's idle sweep under its own lock
	lastUsed time.Time
}

func newSession(key Key, cfg Config, runner native.Runner, kv *kvcache.Manager) *Session {
	n := cfg.MaxConcurrentRequests
	if n <= 0 {
		n = 1
	}
	return &Session{
		key:      key,
		cfg:      cfg,
		runner:   runner,
		kv:       kv,
		slots:    make(chan struct{}, n),
		health:   newHealthWindow(healthWindowSize),
		lastUsed: time.Now(),
	}
}

func (s *Session) Key() Key { return s.key }

// Health classifies the session from its recent failure rate: degraded
// above 20%, unhealthy above 50%.
func (s *Session) Health() api.HealthState { return s.health.State() }

// acquire takes a generation slot, FIFO, respecting the caller deadline.
func (s *Session) acquire(ctx context.Context) (func(), error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, apierror.Timeout("session %s/%s: no free slot", s.key.ModelID, s.key.ProviderID).WithCause(ctx.Err())
	}
}

// Infer runs one synchronous generation on the session's runner.
func (s *Session) Infer(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return api.InferenceResponse{}, err
	}
	defer release()

	start := time.Now()
	resp, err := s.generate(ctx, req, nil)
	s.health.Record(err == nil)
	if err != nil {
		return api.InferenceResponse{}, err
	}
	resp.DurationMs = time.Since(start).Milliseconds()
	resp.Timestamp = time.Now()
	return resp, nil
}

// Stream runs one streaming generation. The returned stream is finite and
// not restartable; cancellation is observed within one token iteration.
func (s *Session) Stream(ctx context.Context, req api.InferenceRequest) (*streaming.Stream, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	stream := streaming.New(ctx, req.RequestID)
	go func() {
		defer release()
		_, err := s.generate(stream.Context(), req, stream)
		s.health.Record(err == nil)
	}()
	return stream, nil
}

// generate drives the native iteration loop. When stream is nil the
// output is accumulated and returned; otherwise each token is emitted as
// a chunk and the terminal chunk carries the finish reason.
func (s *Session) generate(ctx context.Context, req api.InferenceRequest, stream *streaming.Stream) (api.InferenceResponse, error) {
	seqID := req.RequestID

	// PREFILL-stage requests leave their blocks allocated for the decode
	// iterations that follow on the same sequence.
	freeOnExit := req.Stage != api.StagePrefill
	if s.kv != nil && req.Stage != api.StageDecode {
		if reused := s.kv.ObservePrefix(req.Prompt()); reused > 0 {
			klog.V(4).Infof("sequence %s: %d prefix blocks seen before", seqID, reused)
		}
		if _, err := s.kv.AllocatePrefill(seqID, req.PromptTokenCount); err != nil {
			err = classifyCacheErr(err)
			if stream != nil {
				stream.Fail(err)
			}
			return api.InferenceResponse{}, err
		}
	}
	if s.kv != nil && freeOnExit {
		defer s.kv.Free(seqID)
	}

	var errBuf native.ErrorBuf
	gen, ok := s.runner.Begin(native.GenerationParams{
		Prompt:      req.Prompt(),
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		TopK:        req.Params.TopK,
		Seed:        req.Params.Seed,
		Stop:        req.Params.Stop,
	}, &errBuf)
	if !ok {
		err := classifyNativeErr(s.key.ProviderID, &errBuf)
		if stream != nil {
			stream.Fail(err)
		}
		return api.InferenceResponse{}, err
	}
	defer gen.Close()

	var content []byte
	completion := 0
	reason := api.FinishStop

	for {
		// cancellation is observed between iterations
		if ctx.Err() != nil {
			gen.Abort()
			if s.kv != nil && !freeOnExit {
				s.kv.Free(seqID)
			}
			if stream != nil {
				stream.CancelledByClient()
				return api.InferenceResponse{}, nil
			}
			return api.InferenceResponse{}, apierror.Cancelled("request %s cancelled", req.RequestID)
		}

		ev, more := gen.Next(&errBuf)
		if err := errBuf.Err(); err != nil {
			err = classifyNativeErr(s.key.ProviderID, &errBuf)
			if stream != nil {
				stream.Fail(err)
				return api.InferenceResponse{}, err
			}
			return api.InferenceResponse{}, err
		}
		if !more {
			reason = finishReasonOf(ev.Stop)
			break
		}

		completion++
		if s.kv != nil {
			if _, _, err := s.kv.AppendDecode(seqID); err != nil {
				err = classifyCacheErr(err)
				gen.Abort()
				if stream != nil {
					stream.Fail(err)
				}
				return api.InferenceResponse{}, err
			}
		}
		if stream != nil {
			if err := stream.Emit(ev.Token); err != nil {
				// consumer cancelled mid-emit
				gen.Abort()
				if s.kv != nil && !freeOnExit {
					s.kv.Free(seqID)
				}
				stream.CancelledByClient()
				return api.InferenceResponse{}, nil
			}
		} else {
			content = append(content, ev.Token...)
		}
	}

	if stream != nil {
		stream.Complete(reason)
		return api.InferenceResponse{}, nil
	}
	return api.InferenceResponse{
		RequestID:        req.RequestID,
		Content:          string(content),
		Model:            req.Model,
		PromptTokens:     req.PromptTokenCount,
		CompletionTokens: completion,
		TokensUsed:       req.PromptTokenCount + completion,
		FinishReason:     reason,
	}, nil
}

// Warmup pays first-token latency eagerly after load.
func (s *Session) Warmup(ctx context.Context) {
	req, err := api.NewRequest(s.key.TenantID, s.key.ModelID).
		Messages(api.Message{Role: api.RoleUser, Content: "warmup"}).
		Params(api.SamplingParams{MaxTokens: 1}).
		Build()
	if err != nil {
		return
	}
	if _, err := s.Infer(ctx, req.WithStage(api.StageCombined)); err != nil {
		klog.Warningf("warmup failed for %s/%s: %v", s.key.ModelID, s.key.ProviderID, err)
	}
}

func (s *Session) close() {
	s.runner.Close()
}

func finishReasonOf(stop native.StopCondition) api.FinishReason {
	switch stop {
	case native.StopLength:
		return api.FinishLength
	case native.StopToolCall:
		return api.FinishToolCall
	case native.StopAborted:
		return api.FinishCancelled
	default:
		return api.FinishStop
	}
}

// classifyNativeErr maps native codes onto the taxonomy: device-busy is
// retryable, OOM/validation/not-found are not.
func classifyNativeErr(providerID string, errBuf *native.ErrorBuf) error {
	switch errBuf.Code {
	case native.CodeDeviceBusy:
		return apierror.Overloaded("provider %s: device busy", providerID).WithCause(errBuf.Err())
	case native.CodeOutOfMemory:
		return apierror.Internal("provider %s: out of memory", providerID).WithCause(errBuf.Err())
	case native.CodeInvalidArg:
		return apierror.Validation("provider %s: %s", providerID, errBuf.Message).WithCause(errBuf.Err())
	case native.CodeNotFound:
		return apierror.NotFound("provider %s: %s", providerID, errBuf.Message).WithCause(errBuf.Err())
	default:
		return apierror.Internal("provider %s: native failure", providerID).WithCause(errBuf.Err())
	}
}

func classifyCacheErr(err error) error {
	if _, ok := err.(*kvcache.ExhaustedError); ok {
		return apierror.CacheExhausted("%v", err)
	}
	return apierror.Wrap(err)
}
