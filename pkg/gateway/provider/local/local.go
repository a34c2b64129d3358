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

// Package local adapts in-process native runners (llama.cpp GGUF,
// libtorch TorchScript) to the Provider interface. Session pooling,
// KV-cache paging and health tracking live in the session manager; this
// package contributes the capability surface and model scoping.
package local

import (
	"context"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/kvcache"
	"github.com/openinfer/openinfer/pkg/gateway/provider/native"
	"github.com/openinfer/openinfer/pkg/gateway/session"
	"github.com/openinfer/openinfer/pkg/gateway/streaming"
)

// Provider serves models from a local native backend.
type Provider struct {
	desc     api.ProviderDescriptor
	sessions *session.Manager
	models   map[string]bool // empty means any
}

func newProvider(desc api.ProviderDescriptor, loader native.Loader, kv *kvcache.Manager, cfg session.Config) *Provider {
	models := make(map[string]bool, len(desc.Capabilities.SupportedModels))
	for _, m := range desc.Capabilities.SupportedModels {
		models[m] = true
	}
	return &Provider{
		desc:     desc,
		sessions: session.NewManager(loader, kv, cfg),
		models:   models,
	}
}

// NewGGUF builds the llama.cpp-backed provider.
func NewGGUF(loader native.Loader, kv *kvcache.Manager, cfg session.Config, version string, models []string) *Provider {
	cfg.ProviderID = "gguf"
	return newProvider(api.ProviderDescriptor{
		ID:      "gguf",
		Version: version,
		Capabilities: api.ProviderCapabilities{
			Streaming:        true,
			MaxContextTokens: defaultContext(cfg.ContextLen),
			MaxOutputTokens:  defaultContext(cfg.ContextLen),
			SupportedFormats: []api.ModelFormat{api.FormatGGUF},
			SupportedDevices: []string{"cpu", "gpu"},
			SupportedModels:  models,
		},
		Health: api.HealthHealthy,
	}, loader, kv, cfg)
}

// NewTorch builds the libtorch-backed provider.
func NewTorch(loader native.Loader, kv *kvcache.Manager, cfg session.Config, version string, models []string) *Provider {
	cfg.ProviderID = "torch"
	return newProvider(api.ProviderDescriptor{
		ID:      "torch",
		Version: version,
		Capabilities: api.ProviderCapabilities{
			Streaming: true,
			// TODO: advertise Embeddings once the libtorch binding
			// exposes pooled outputs and Embed stops stubbing.
			MaxContextTokens: defaultContext(cfg.ContextLen),
			MaxOutputTokens:  defaultContext(cfg.ContextLen),
			SupportedFormats: []api.ModelFormat{api.FormatTorchScript, api.FormatSafetensors},
			SupportedDevices: []string{"gpu", "cpu"},
			SupportedModels:  models,
		},
		Health: api.HealthHealthy,
	}, loader, kv, cfg)
}

func defaultContext(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func (p *Provider) Descriptor() api.ProviderDescriptor {
	d := p.desc
	d.Health = p.Health()
	return d
}

func (p *Provider) Supports(modelID, tenantID string) bool {
	if len(p.models) == 0 {
		return true
	}
	return p.models[modelID]
}

func (p *Provider) Infer(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error) {
	s, err := p.sessions.GetSession(ctx, req.TenantID, req.Model)
	if err != nil {
		return api.InferenceResponse{}, apierror.ProviderUnavailable("provider %s: session init failed", p.desc.ID).WithCause(err)
	}
	return s.Infer(ctx, req)
}

func (p *Provider) Stream(ctx context.Context, req api.InferenceRequest) (*streaming.Stream, error) {
	s, err := p.sessions.GetSession(ctx, req.TenantID, req.Model)
	if err != nil {
		return nil, apierror.ProviderUnavailable("provider %s: session init failed", p.desc.ID).WithCause(err)
	}
	return s.Stream(ctx, req)
}

func (p *Provider) Embed(ctx context.Context, modelID string, input []string) ([][]float32, error) {
	return nil, apierror.NotFound("provider %s does not serve embeddings", p.desc.ID)
}

func (p *Provider) Health() api.HealthState { return p.sessions.Health() }

func (p *Provider) CostPerMTokens() float64 { return 0 }

func (p *Provider) Shutdown() { p.sessions.Shutdown() }
