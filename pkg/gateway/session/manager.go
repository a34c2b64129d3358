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

package session

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/kvcache"
	"github.com/openinfer/openinfer/pkg/gateway/provider/native"
)

const (
	defaultMaxSessions = 64
	defaultIdleTimeout = 10 * time.Minute
)

// Manager caches warmed sessions. Idle sessions are evicted by an
// expirable LRU; eviction closes the native runner.
type Manager struct {
	loader native.Loader
	kv     *kvcache.Manager
	cfg    Config

	mu       sync.Mutex
	sessions *lru.LRU[Key, *Session]
	loading  map[Key]*sync.WaitGroup
}

// NewManager builds a session manager for one provider backend. kv may be
// nil for providers that manage cache natively.
func NewManager(loader native.Loader, kv *kvcache.Manager, cfg Config) *Manager {
	return NewManagerWithLimits(loader, kv, cfg, defaultMaxSessions, defaultIdleTimeout)
}

func NewManagerWithLimits(loader native.Loader, kv *kvcache.Manager, cfg Config, maxSessions int, idleTimeout time.Duration) *Manager {
	m := &Manager{
		loader:  loader,
		kv:      kv,
		cfg:     cfg,
		loading: map[Key]*sync.WaitGroup{},
	}
	m.sessions = lru.NewLRU(maxSessions, func(key Key, s *Session) {
		klog.Infof("evicting idle session %s/%s/%s", key.TenantID, key.ModelID, key.ProviderID)
		s.close()
	}, idleTimeout)
	return m
}

// GetSession returns a warmed session, loading the model on miss. Load is
// retried up to cfg.MaxRetries; nil is returned when all attempts fail.
// Concurrent callers for the same key share one load.
func (m *Manager) GetSession(ctx context.Context, tenantID, modelID string) (*Session, error) {
	key := Key{TenantID: tenantID, ModelID: modelID, ProviderID: m.cfg.ProviderID}

	for {
		m.mu.Lock()
		if s, ok := m.sessions.Get(key); ok {
			s.lastUsed = time.Now()
			m.mu.Unlock()
			return s, nil
		}
		if wg, inFlight := m.loading[key]; inFlight {
			m.mu.Unlock()
			wg.Wait()
			continue
		}
		wg := &sync.WaitGroup{}
		wg.Add(1)
		m.loading[key] = wg
		m.mu.Unlock()

		s, err := m.load(ctx, key)

		m.mu.Lock()
		delete(m.loading, key)
		if s != nil {
			m.sessions.Add(key, s)
		}
		m.mu.Unlock()
		wg.Done()

		if err != nil {
			return nil, err
		}
		if m.cfg.Prewarm {
			s.Warmup(ctx)
		}
		return s, nil
	}
}

func (m *Manager) load(ctx context.Context, key Key) (*Session, error) {
	opts := native.LoadOptions{
		ModelPath:  m.cfg.ModelPath,
		Device:     m.cfg.Device,
		ContextLen: m.cfg.ContextLen,
		Threads:    m.cfg.Threads,
	}
	var lastErr error
	attempts := m.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var errBuf native.ErrorBuf
		runner, ok := m.loader.Load(opts, &errBuf)
		if ok {
			klog.Infof("session ready for %s/%s on %s", key.ModelID, key.ProviderID, m.cfg.Device)
			return newSession(key, m.cfg, runner, m.kv), nil
		}
		lastErr = errBuf.Err()
		klog.Warningf("model load attempt %d/%d failed for %s: %v", attempt+1, attempts, key.ModelID, lastErr)
	}
	return nil, lastErr
}

// Health aggregates the worst health across live sessions.
func (m *Manager) Health() api.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	worst := api.HealthHealthy
	for _, key := range m.sessions.Keys() {
		s, ok := m.sessions.Peek(key)
		if !ok {
			continue
		}
		switch s.Health() {
		case api.HealthUnhealthy:
			return api.HealthUnhealthy
		case api.HealthDegraded:
			worst = api.HealthDegraded
		}
	}
	return worst
}

// Shutdown closes every native handle via the eviction callback.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.Purge()
}
