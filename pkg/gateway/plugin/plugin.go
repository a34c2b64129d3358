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

// Package plugin runs request processing hooks in fixed phases around
// the inference call. Plugins declare a phase and an order; within a
// phase lower order runs first, ties break by registration order.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openinfer/openinfer/pkg/gateway/api"
)

// Phase names a hook point in the request lifecycle.
type Phase string

const (
	PhasePreValidate Phase = "PRE_VALIDATE"
	PhaseValidate    Phase = "VALIDATE"
	PhasePreInfer    Phase = "PRE_INFER"
	PhasePostInfer   Phase = "POST_INFER"
	PhaseFinalize    Phase = "FINALIZE"
)

// Phases lists the lifecycle in execution order.
var Phases = []Phase{PhasePreValidate, PhaseValidate, PhasePreInfer, PhasePostInfer, PhaseFinalize}

// RequestContext is the mutable state threaded through the pipeline.
// PRE phases may rewrite Request; POST_INFER sees Response or Err;
// FINALIZE always runs, even after a failed phase.
type RequestContext struct {
	Request  api.InferenceRequest
	Response *api.InferenceResponse
	Err      error
	Values   map[string]interface{}
}

func NewRequestContext(req api.InferenceRequest) *RequestContext {
	return &RequestContext{Request: req, Values: make(map[string]interface{})}
}

// Plugin is one hook. Run returning an error aborts the remaining
// plugins of the phase and fails the request, unless the plugin also
// implements FailureHandler and elects to continue.
type Plugin interface {
	Name() string
	Phase() Phase
	Order() int
	Run(ctx context.Context, rc *RequestContext) error
}

// Initializer is the optional startup capability.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner is the optional teardown capability.
type Shutdowner interface {
	Shutdown()
}

// FailureHandler lets a plugin observe its own failure and decide
// whether the phase continues.
type FailureHandler interface {
	OnFailure(ctx context.Context, err error) bool
}

// Factory builds a plugin from its config block.
type Factory = func(arg map[string]interface{}) Plugin

var (
	builderMutex   sync.RWMutex
	pluginBuilders = map[string]Factory{}
)

// RegisterBuilder makes a plugin constructible by name, typically from
// an init func in the plugin's file.
func RegisterBuilder(name string, f Factory) {
	builderMutex.Lock()
	defer builderMutex.Unlock()
	pluginBuilders[name] = f
}

// GetBuilder looks up a registered factory.
func GetBuilder(name string) (Factory, bool) {
	builderMutex.RLock()
	defer builderMutex.RUnlock()
	f, exist := pluginBuilders[name]
	return f, exist
}

type registered struct {
	plugin Plugin
	seq    int
}

// Pipeline holds the resolved plugin chain grouped by phase.
type Pipeline struct {
	mu     sync.RWMutex
	phases map[Phase][]registered
	seq    int
}

func NewPipeline() *Pipeline {
	return &Pipeline{phases: make(map[Phase][]registered)}
}

// Add inserts a plugin, keeping the phase sorted by (order, insertion).
func (p *Pipeline) Add(plugins ...Plugin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pl := range plugins {
		phase := pl.Phase()
		p.seq++
		p.phases[phase] = append(p.phases[phase], registered{plugin: pl, seq: p.seq})
		sort.SliceStable(p.phases[phase], func(i, j int) bool {
			a, b := p.phases[phase][i], p.phases[phase][j]
			if a.plugin.Order() != b.plugin.Order() {
				return a.plugin.Order() < b.plugin.Order()
			}
			return a.seq < b.seq
		})
	}
}

// Init runs every registered Initializer. Errors are fatal at startup.
func (p *Pipeline) Init(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, chain := range p.phases {
		for _, entry := range chain {
			if init, ok := entry.plugin.(Initializer); ok {
				if err := init.Initialize(ctx); err != nil {
					return fmt.Errorf("initialize plugin %s: %w", entry.plugin.Name(), err)
				}
			}
		}
	}
	return nil
}

// Shutdown tears down every registered Shutdowner.
func (p *Pipeline) Shutdown() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, chain := range p.phases {
		for _, entry := range chain {
			if s, ok := entry.plugin.(Shutdowner); ok {
				s.Shutdown()
			}
		}
	}
}

// RunPhase executes one phase, stopping at the first error unless the
// failing plugin elects to continue.
func (p *Pipeline) RunPhase(ctx context.Context, phase Phase, rc *RequestContext) error {
	p.mu.RLock()
	chain := p.phases[phase]
	p.mu.RUnlock()
	for _, entry := range chain {
		if err := entry.plugin.Run(ctx, rc); err != nil {
			if fh, ok := entry.plugin.(FailureHandler); ok && fh.OnFailure(ctx, err) {
				continue
			}
			return err
		}
	}
	return nil
}

// RunAdmission executes the phases before the inference call.
func (p *Pipeline) RunAdmission(ctx context.Context, rc *RequestContext) error {
	for _, phase := range []Phase{PhasePreValidate, PhaseValidate, PhasePreInfer} {
		if err := p.RunPhase(ctx, phase, rc); err != nil {
			return err
		}
	}
	return nil
}

// RunCompletion executes POST_INFER (skipped when the request already
// failed) and then FINALIZE, which always runs.
func (p *Pipeline) RunCompletion(ctx context.Context, rc *RequestContext) error {
	var err error
	if rc.Err == nil {
		err = p.RunPhase(ctx, PhasePostInfer, rc)
	}
	if ferr := p.RunPhase(ctx, PhaseFinalize, rc); ferr != nil && err == nil {
		err = ferr
	}
	return err
}
