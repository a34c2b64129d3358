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

// Package provider defines the execution backend abstraction, the
// registry that tracks live providers, and the router that picks one per
// request.
package provider

import (
	"context"
	"time"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/streaming"
)

// Provider is one model-execution backend: a local GGUF or LibTorch
// runner, or a remote OpenAI-compatible endpoint.
type Provider interface {
	Descriptor() api.ProviderDescriptor

	// Supports reports whether the provider can serve the model for the
	// tenant. Tenancy scoping happens here, not via API keys.
	Supports(modelID, tenantID string) bool

	Infer(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error)

	// Stream returns a finite, non-restartable chunk sequence.
	Stream(ctx context.Context, req api.InferenceRequest) (*streaming.Stream, error)

	// Embed computes embedding vectors; providers without the embeddings
	// capability return NotFound.
	Embed(ctx context.Context, modelID string, input []string) ([][]float32, error)

	Health() api.HealthState

	// CostPerMTokens is the relative cost used by cost-sensitive
	// routing. Local providers report 0.
	CostPerMTokens() float64

	Shutdown()
}

// RoutingContext carries per-request routing hints.
type RoutingContext struct {
	PreferredProvider string
	DeviceHint        string
	CostSensitive     bool
	Priority          int
	Timeout           time.Duration
}
