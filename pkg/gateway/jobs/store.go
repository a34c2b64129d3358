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

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openinfer/openinfer/pkg/gateway/api"
)

// Store mirrors job state for durability across restarts. The in-memory
// table remains the fast path; Load is only consulted on a miss.
type Store interface {
	Save(ctx context.Context, rec api.AsyncJob, ttl time.Duration) error
	Load(ctx context.Context, jobID string) (api.AsyncJob, error)
}

const jobKeyPrefix = "openinfer:job:"

// RedisStore mirrors jobs as JSON values with a TTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, rec api.AsyncJob, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", rec.JobID, err)
	}
	return s.client.Set(ctx, jobKeyPrefix+rec.JobID, payload, ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, jobID string) (api.AsyncJob, error) {
	payload, err := s.client.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if err != nil {
		return api.AsyncJob{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var rec api.AsyncJob
	if err := json.Unmarshal(payload, &rec); err != nil {
		return api.AsyncJob{}, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return rec, nil
}

// MemoryStore is the single-process mirror used when Redis is not
// configured.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]api.AsyncJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]api.AsyncJob)}
}

func (s *MemoryStore) Save(ctx context.Context, rec api.AsyncJob, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.JobID] = rec
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, jobID string) (api.AsyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[jobID]
	if !ok {
		return api.AsyncJob{}, fmt.Errorf("job %s not in store", jobID)
	}
	return rec, nil
}
