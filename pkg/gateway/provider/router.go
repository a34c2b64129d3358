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

package provider

import (
	"sort"

	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

// Router selects the provider for a request. Selection order:
//  1. the caller's explicit preferred provider, if healthy and supporting;
//  2. the model mapping's preferred provider;
//  3. remaining supporting providers sorted by: breaker closed first,
//     device-hint match, cost when cost-sensitive, registration order.
//
// Ties break by lexicographic provider id.
type Router struct {
	registry *Registry
}

func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Select returns the chosen provider for the model, or
// ProviderUnavailable when nothing is eligible.
func (r *Router) Select(modelID, tenantID string, rctx RoutingContext) (*Registered, error) {
	if rctx.PreferredProvider != "" {
		if e, err := r.registry.Get(rctx.PreferredProvider, ""); err == nil && eligible(e, modelID, tenantID) {
			return e, nil
		}
		klog.V(4).Infof("preferred provider %q not eligible for %s, falling through", rctx.PreferredProvider, modelID)
	}

	if id, ok := r.registry.PreferredFor(modelID); ok {
		if e, err := r.registry.Get(id, ""); err == nil && eligible(e, modelID, tenantID) {
			return e, nil
		}
	}

	candidates := r.registry.ForModel(modelID, tenantID)
	ranked := make([]rankedEntry, 0, len(candidates))
	for order, e := range candidates {
		if e.Provider.Health() == api.HealthUnhealthy {
			continue
		}
		ranked = append(ranked, rankedEntry{
			entry:       e,
			breakerOpen: e.Envelope != nil && e.Envelope.BreakerOpen(),
			deviceMatch: deviceMatches(e, rctx.DeviceHint),
			cost:        e.Provider.CostPerMTokens(),
			regOrder:    order,
		})
	}
	if len(ranked) == 0 {
		return nil, apierror.ProviderUnavailable("no provider available for model %q", modelID)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.breakerOpen != b.breakerOpen {
			return !a.breakerOpen
		}
		if a.deviceMatch != b.deviceMatch {
			return a.deviceMatch
		}
		if rctx.CostSensitive && a.cost != b.cost {
			return a.cost < b.cost
		}
		if a.regOrder != b.regOrder {
			return a.regOrder < b.regOrder
		}
		return a.entry.Provider.Descriptor().ID < b.entry.Provider.Descriptor().ID
	})
	return ranked[0].entry, nil
}

type rankedEntry struct {
	entry       *Registered
	breakerOpen bool
	deviceMatch bool
	cost        float64
	regOrder    int
}

func eligible(e *Registered, modelID, tenantID string) bool {
	if !e.Provider.Supports(modelID, tenantID) {
		return false
	}
	if e.Provider.Health() == api.HealthUnhealthy {
		return false
	}
	return true
}

func deviceMatches(e *Registered, hint string) bool {
	if hint == "" {
		return false
	}
	for _, d := range e.Provider.Descriptor().Capabilities.SupportedDevices {
		if d == hint {
			return true
		}
	}
	return false
}
