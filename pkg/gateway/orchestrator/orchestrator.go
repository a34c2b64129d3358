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

// Package orchestrator resolves the inference stage of each request,
// routes it to a provider through the batch scheduler and reliability
// envelope, and records the outcome into metrics and the audit trail.
package orchestrator

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/audit"
	"github.com/openinfer/openinfer/pkg/gateway/metrics"
	"github.com/openinfer/openinfer/pkg/gateway/provider"
	"github.com/openinfer/openinfer/pkg/gateway/scheduler"
	"github.com/openinfer/openinfer/pkg/gateway/streaming"
	"github.com/openinfer/openinfer/pkg/gateway/tokenizer"
)

// Config controls stage resolution.
type Config struct {
	// Disaggregation splits large prompts into a PREFILL dispatch whose
	// decode iterations run under DECODE against the retained KV blocks.
	Disaggregation bool `json:"disaggregation"`
	// SmallPromptThreshold is the estimated token count under which a
	// prompt is not worth disaggregating.
	SmallPromptThreshold int `json:"smallPromptThreshold"`
}

func DefaultConfig() Config {
	return Config{Disaggregation: false, SmallPromptThreshold: 32}
}

// Orchestrator is the execution core between admission and providers.
type Orchestrator struct {
	cfg      Config
	registry *provider.Registry
	router   *provider.Router
	sched    *scheduler.Scheduler
	counter  tokenizer.Tokenizer
	pub      *metrics.Publisher
	trail    audit.Store
}

// New wires the orchestrator and starts its scheduler.
func New(cfg Config, registry *provider.Registry, schedCfg scheduler.Config, counter tokenizer.Tokenizer, pub *metrics.Publisher, trail audit.Store) *Orchestrator {
	if counter == nil {
		counter = tokenizer.NewSimpleEstimateTokenizer()
	}
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		router:   provider.NewRouter(registry),
		counter:  counter,
		pub:      pub,
		trail:    trail,
	}
	o.sched = scheduler.New(schedCfg, scheduler.ExecutorFunc(o.dispatch), o.contextLimit)
	return o
}

// Scheduler exposes the batch scheduler for config reload and metrics.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// SetConfig hot-reloads stage resolution knobs.
func (o *Orchestrator) SetConfig(cfg Config) { o.cfg = cfg }

// Close drains the scheduler.
func (o *Orchestrator) Close() { o.sched.Close() }

// ResolveStage classifies the request. Explicit stages are respected;
// with disaggregation off everything is COMBINED; otherwise small
// prompts stay COMBINED and large ones enter at PREFILL, with decode
// iterations continuing as DECODE on the retained sequence.
func (o *Orchestrator) ResolveStage(req api.InferenceRequest) api.InferenceRequest {
	tokens := req.PromptTokenCount
	if tokens == 0 {
		n, err := o.counter.CalculateTokenNum(req.Prompt())
		if err != nil {
			n = len(req.Prompt()) / 4
		}
		tokens = n
		req = req.WithPromptTokenCount(tokens)
	}

	if req.Stage != "" && req.Stage != api.StageUnresolved {
		return req
	}
	if !o.cfg.Disaggregation {
		return req.WithStage(api.StageCombined)
	}
	if tokens < o.cfg.SmallPromptThreshold {
		return req.WithStage(api.StageCombined)
	}
	return req.WithStage(api.StagePrefill)
}

// Execute runs the synchronous path: stage resolution, batch submission,
// await, bookkeeping.
func (o *Orchestrator) Execute(ctx context.Context, req api.InferenceRequest, rctx provider.RoutingContext) (api.InferenceResponse, error) {
	start := time.Now()
	req = o.ResolveStage(req)
	rec := o.begin(ctx, req)

	future, err := o.sched.Submit(routingInto(ctx, rctx), req)
	if err != nil {
		o.finish(ctx, req, rec, api.InferenceResponse{}, "", start, err)
		return api.InferenceResponse{}, err
	}
	resp, err := future.Wait(ctx)
	o.finish(ctx, req, rec, resp, resp.Provider, start, err)
	return resp, err
}

// Stream runs the streaming path. Streams bypass batch formation: the
// request is routed immediately and the provider call is guarded by the
// envelope without retries, since emitted chunks must never repeat.
func (o *Orchestrator) Stream(ctx context.Context, req api.InferenceRequest, rctx provider.RoutingContext) (*streaming.Stream, error) {
	start := time.Now()
	req = o.ResolveStage(req)
	rec := o.begin(ctx, req)

	entry, err := o.router.Select(req.Model, req.TenantID, rctx)
	if err != nil {
		o.finish(ctx, req, rec, api.InferenceResponse{}, "", start, err)
		return nil, err
	}
	providerID := entry.Provider.Descriptor().ID

	var upstream *streaming.Stream
	err = entry.Envelope.ExecuteOnce(ctx, func(ctx context.Context) error {
		var err error
		upstream, err = entry.Provider.Stream(ctx, req)
		return err
	})
	if err != nil {
		o.finish(ctx, req, rec, api.InferenceResponse{}, providerID, start, err)
		return nil, err
	}

	out := streaming.New(ctx, req.RequestID)
	go o.pumpStream(ctx, req, rec, upstream, out, providerID, start)
	return out, nil
}

// pumpStream relays chunks while accounting TTFT/TPOT and closing out
// the audit row when the stream terminates.
func (o *Orchestrator) pumpStream(ctx context.Context, req api.InferenceRequest, rec api.InferenceRequestRecord, in, out *streaming.Stream, providerID string, start time.Time) {
	var tokens int
	var firstAt time.Time
	finishReason := api.FinishStop

	for chunk := range in.Chunks() {
		if chunk.IsComplete {
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
			break
		}
		if tokens == 0 {
			firstAt = time.Now()
			o.pub.RecordFirstToken(req.Model, providerID, firstAt.Sub(start))
		}
		tokens++
		var err error
		if chunk.ToolCallDelta != nil {
			err = out.EmitToolCall(chunk.Delta, *chunk.ToolCallDelta)
		} else {
			err = out.Emit(chunk.Delta)
		}
		if err != nil {
			in.Cancel()
			out.CancelledByClient()
			o.finish(ctx, req, rec, api.InferenceResponse{}, providerID,
				start, apierror.Cancelled("client disconnected"))
			return
		}
	}

	err := in.Err()
	resp := api.InferenceResponse{CompletionTokens: tokens, TokensUsed: req.PromptTokenCount + tokens}
	switch {
	case err != nil:
		out.Fail(err)
	default:
		if tokens > 0 {
			o.pub.RecordOutputTokens(req.Model, providerID, tokens, time.Since(firstAt))
		}
		out.Complete(finishReason)
	}
	o.finish(ctx, req, rec, resp, providerID, start, err)
}

// dispatch is the scheduler's executor: route, then run the provider
// call inside its reliability envelope.
func (o *Orchestrator) dispatch(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error) {
	entry, err := o.router.Select(req.Model, req.TenantID, routingFrom(ctx))
	if err != nil {
		return api.InferenceResponse{}, err
	}
	providerID := entry.Provider.Descriptor().ID

	var resp api.InferenceResponse
	err = entry.Envelope.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = entry.Provider.Infer(ctx, req)
		return err
	})
	if err != nil {
		klog.V(4).Infof("dispatch failed: request=%s provider=%s err=%v", req.RequestID, providerID, err)
		return api.InferenceResponse{}, err
	}
	resp.Provider = providerID
	return resp, nil
}

func (o *Orchestrator) begin(ctx context.Context, req api.InferenceRequest) api.InferenceRequestRecord {
	rec := audit.NewRecord(req, api.RecordProcessing)
	if o.trail != nil {
		if err := o.trail.Append(ctx, rec); err != nil {
			klog.Errorf("audit append failed for request %s: %v", req.RequestID, err)
		}
	}
	return rec
}

func (o *Orchestrator) finish(ctx context.Context, req api.InferenceRequest, rec api.InferenceRequestRecord, resp api.InferenceResponse, providerID string, start time.Time, err error) {
	duration := time.Since(start)

	var cost float64
	if providerID != "" {
		if entry, gerr := o.registry.Get(providerID, ""); gerr == nil {
			cost = entry.Provider.CostPerMTokens()
		}
	}
	o.pub.RecordRequest(req, resp, providerID, duration, cost, err)

	if o.trail == nil {
		return
	}
	status := api.RecordCompleted
	if err != nil {
		status = api.RecordFailed
		if ge, ok := apierror.As(err); ok && ge.Class == apierror.ClassTimeout {
			status = api.RecordTimeout
		}
	}
	final := audit.Complete(rec, status, duration, err)
	if aerr := o.trail.Append(ctx, final); aerr != nil {
		klog.Errorf("audit append failed for request %s: %v", req.RequestID, aerr)
	}
}

// contextLimit reports the largest context window among providers that
// can serve the model, so the scheduler can reject oversized prompts
// up front.
func (o *Orchestrator) contextLimit(model string) int {
	max := 0
	for _, entry := range o.registry.ForModel(model, "") {
		if n := entry.Provider.Descriptor().Capabilities.MaxContextTokens; n > max {
			max = n
		}
	}
	return max
}

type routingKey struct{}

// routingInto threads the routing hints through the scheduler queue.
func routingInto(ctx context.Context, rctx provider.RoutingContext) context.Context {
	return context.WithValue(ctx, routingKey{}, rctx)
}

func routingFrom(ctx context.Context) provider.RoutingContext {
	if rctx, ok := ctx.Value(routingKey{}).(provider.RoutingContext); ok {
		return rctx
	}
	return provider.RoutingContext{}
}
