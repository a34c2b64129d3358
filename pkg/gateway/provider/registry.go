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
	"sync"

	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/reliability"
)

// Registered pairs a provider with its reliability envelope. All calls
// that leave the gateway go through the envelope.
type Registered struct {
	Provider Provider
	Envelope *reliability.Envelope
}

// Registry tracks live providers. Read-mostly: route lookups take the
// read lock, register/unregister the write lock. Registration order is
// preserved and is the final routing tiebreaker before lexicographic id.
type Registry struct {
	mu       sync.RWMutex
	entries  []*Registered         // in registration order
	byID     map[string][]*Registered // id -> versions in registration order
	modelMap map[string]string     // modelID -> preferred provider id
}

func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string][]*Registered),
		modelMap: make(map[string]string),
	}
}

// Register adds a provider version. Re-registering the same (id, version)
// replaces the entry in place.
func (r *Registry) Register(entry *Registered) {
	desc := entry.Provider.Descriptor()
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.byID[desc.ID] {
		d := existing.Provider.Descriptor()
		if d.Version == desc.Version {
			r.byID[desc.ID][i] = entry
			for j, e := range r.entries {
				if e == existing {
					r.entries[j] = entry
				}
			}
			klog.Infof("provider %s@%s replaced", desc.ID, desc.Version)
			return
		}
	}
	r.byID[desc.ID] = append(r.byID[desc.ID], entry)
	r.entries = append(r.entries, entry)
	klog.Infof("provider %s@%s registered", desc.ID, desc.Version)
}

// Unregister removes a provider. Empty version removes all versions.
// Removed providers are shut down.
func (r *Registry) Unregister(id, version string) {
	r.mu.Lock()
	var removed []*Registered
	kept := r.byID[id][:0]
	for _, e := range r.byID[id] {
		if version == "" || e.Provider.Descriptor().Version == version {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(r.byID, id)
	} else {
		r.byID[id] = kept
	}
	if len(removed) > 0 {
		entries := r.entries[:0]
		for _, e := range r.entries {
			drop := false
			for _, rm := range removed {
				if e == rm {
					drop = true
					break
				}
			}
			if !drop {
				entries = append(entries, e)
			}
		}
		r.entries = entries
	}
	r.mu.Unlock()

	for _, e := range removed {
		d := e.Provider.Descriptor()
		klog.Infof("provider %s@%s unregistered", d.ID, d.Version)
		e.Provider.Shutdown()
	}
}

// Get returns a provider by id; empty version means the latest
// registered version.
func (r *Registry) Get(id, version string) (*Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.byID[id]
	if len(versions) == 0 {
		return nil, apierror.NotFound("provider %q not registered", id)
	}
	if version == "" {
		return versions[len(versions)-1], nil
	}
	for _, e := range versions {
		if e.Provider.Descriptor().Version == version {
			return e, nil
		}
	}
	return nil, apierror.NotFound("provider %q has no version %q", id, version)
}

// All returns every registered provider in registration order.
func (r *Registry) All() []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registered, len(r.entries))
	copy(out, r.entries)
	return out
}

// ForModel returns providers that support the model for the tenant, in
// registration order.
func (r *Registry) ForModel(modelID, tenantID string) []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Registered
	for _, e := range r.entries {
		if e.Provider.Supports(modelID, tenantID) {
			out = append(out, e)
		}
	}
	return out
}

// SetModelMapping pins a model to a preferred provider.
func (r *Registry) SetModelMapping(modelID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelMap[modelID] = providerID
}

// PreferredFor returns the pinned provider id for a model, if any.
func (r *Registry) PreferredFor(modelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.modelMap[modelID]
	return id, ok
}
