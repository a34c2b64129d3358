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

package server

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openinfer/openinfer/pkg/gateway/accesslog"
	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

// modelCatalog is the registered-model table behind the /v1/models CRUD.
type modelCatalog struct {
	mu    sync.RWMutex
	byID  map[string]api.ModelManifest
	nowFn func() time.Time
}

func newModelCatalog() *modelCatalog {
	return &modelCatalog{
		byID:  make(map[string]api.ModelManifest),
		nowFn: time.Now,
	}
}

func (mc *modelCatalog) list() []api.ModelManifest {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]api.ModelManifest, 0, len(mc.byID))
	for _, m := range mc.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

func (mc *modelCatalog) get(id string) (api.ModelManifest, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	m, ok := mc.byID[id]
	return m, ok
}

func (mc *modelCatalog) register(m api.ModelManifest) (api.ModelManifest, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, exists := mc.byID[m.ModelID]; exists {
		return api.ModelManifest{}, apierror.Validation("model %q already registered", m.ModelID)
	}
	now := mc.nowFn()
	m.CreatedAt = now
	m.UpdatedAt = now
	mc.byID[m.ModelID] = m
	return m, nil
}

func (mc *modelCatalog) update(id string, m api.ModelManifest) (api.ModelManifest, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	existing, ok := mc.byID[id]
	if !ok {
		return api.ModelManifest{}, apierror.NotFound("model %q not registered", id)
	}
	m.ModelID = id
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = mc.nowFn()
	mc.byID[id] = m
	return m, nil
}

func (mc *modelCatalog) delete(id string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.byID[id]; !ok {
		return false
	}
	delete(mc.byID, id)
	return true
}

func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.models.list()})
}

func (s *Server) handleGetModel(c *gin.Context) {
	m, ok := s.models.get(c.Param("id"))
	if !ok {
		s.writeError(c, accesslog.RequestID(c), apierror.NotFound("model %q not registered", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, m)
}

// modelManifestDTO wraps the manifest with the optional provider pin
// applied at registration time.
type modelManifestDTO struct {
	api.ModelManifest
	PreferredProvider string `json:"preferredProvider,omitempty"`
}

func (s *Server) handleRegisterModel(c *gin.Context) {
	var dto modelManifestDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		s.writeError(c, accesslog.RequestID(c), apierror.Validation("malformed manifest").WithCause(err))
		return
	}
	if dto.ModelID == "" {
		s.writeError(c, accesslog.RequestID(c), apierror.Validation("modelId must not be empty"))
		return
	}
	m, err := s.models.register(dto.ModelManifest)
	if err != nil {
		s.writeError(c, accesslog.RequestID(c), err)
		return
	}
	if dto.PreferredProvider != "" {
		s.deps.Registry.SetModelMapping(m.ModelID, dto.PreferredProvider)
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleUpdateModel(c *gin.Context) {
	var dto modelManifestDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		s.writeError(c, accesslog.RequestID(c), apierror.Validation("malformed manifest").WithCause(err))
		return
	}
	m, err := s.models.update(c.Param("id"), dto.ModelManifest)
	if err != nil {
		s.writeError(c, accesslog.RequestID(c), err)
		return
	}
	if dto.PreferredProvider != "" {
		s.deps.Registry.SetModelMapping(m.ModelID, dto.PreferredProvider)
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleDeleteModel(c *gin.Context) {
	if !s.models.delete(c.Param("id")) {
		s.writeError(c, accesslog.RequestID(c), apierror.NotFound("model %q not registered", c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}

// providerStatusDTO is the admin view of one registered provider.
type providerStatusDTO struct {
	api.ProviderDescriptor
	CostPerMTokens float64 `json:"costPerMTokens"`
	BreakerState   string  `json:"breakerState"`
	InFlight       int     `json:"inFlight"`
	Waiting        int     `json:"waiting"`
}

func (s *Server) providerStatus(id, version string) (providerStatusDTO, error) {
	entry, err := s.deps.Registry.Get(id, version)
	if err != nil {
		return providerStatusDTO{}, err
	}
	desc := entry.Provider.Descriptor()
	desc.Health = entry.Provider.Health()
	inFlight, waiting := entry.Envelope.QueueDepth()
	return providerStatusDTO{
		ProviderDescriptor: desc,
		CostPerMTokens:     entry.Provider.CostPerMTokens(),
		BreakerState:       entry.Envelope.BreakerState().String(),
		InFlight:           inFlight,
		Waiting:            waiting,
	}, nil
}

func (s *Server) handleListProviders(c *gin.Context) {
	entries := s.deps.Registry.All()
	out := make([]providerStatusDTO, 0, len(entries))
	for _, entry := range entries {
		desc := entry.Provider.Descriptor()
		status, err := s.providerStatus(desc.ID, desc.Version)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) handleGetProvider(c *gin.Context) {
	status, err := s.providerStatus(c.Param("id"), c.Query("version"))
	if err != nil {
		s.writeError(c, accesslog.RequestID(c), err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleBreakerReset force-closes a provider's circuit breaker after an
// operator has resolved the underlying outage.
func (s *Server) handleBreakerReset(c *gin.Context) {
	entry, err := s.deps.Registry.Get(c.Param("id"), c.Query("version"))
	if err != nil {
		s.writeError(c, accesslog.RequestID(c), err)
		return
	}
	entry.Envelope.ResetBreaker()
	c.JSON(http.StatusOK, gin.H{
		"provider":     c.Param("id"),
		"breakerState": entry.Envelope.BreakerState().String(),
	})
}
