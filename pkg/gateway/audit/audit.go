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

// Package audit keeps the append-only trail of inference requests.
// Durable sinks (a database, a log pipeline) implement Store; the
// in-memory store is the default and the test double.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openinfer/openinfer/pkg/gateway/api"
)

// Store is an append-only record sink. Append never mutates earlier
// rows; status progression writes a new row per transition.
type Store interface {
	Append(ctx context.Context, rec api.InferenceRequestRecord) error
	// ByRequest returns all rows for one request in append order.
	ByRequest(ctx context.Context, requestID string) ([]api.InferenceRequestRecord, error)
	// Recent returns up to n latest rows, newest first.
	Recent(ctx context.Context, n int) ([]api.InferenceRequestRecord, error)
}

// NewRecord stamps a fresh audit row for a request.
func NewRecord(req api.InferenceRequest, status api.RecordStatus) api.InferenceRequestRecord {
	return api.InferenceRequestRecord{
		ID:        uuid.NewString(),
		RequestID: req.RequestID,
		TenantID:  req.TenantID,
		ModelID:   req.Model,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

// Complete finalizes a row copy with the terminal status and latency.
func Complete(rec api.InferenceRequestRecord, status api.RecordStatus, latency time.Duration, err error) api.InferenceRequestRecord {
	now := time.Now()
	rec.ID = uuid.NewString()
	rec.Status = status
	rec.LatencyMs = latency.Milliseconds()
	rec.CompletedAt = &now
	if err != nil {
		rec.ErrorMessage = err.Error()
	}
	return rec
}

// MemoryStore is a bounded in-memory ring of records.
type MemoryStore struct {
	mu    sync.RWMutex
	rows  []api.InferenceRequestRecord
	limit int
}

// NewMemoryStore keeps at most limit rows, dropping the oldest.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Append(ctx context.Context, rec api.InferenceRequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rec)
	if len(s.rows) > s.limit {
		s.rows = s.rows[len(s.rows)-s.limit:]
	}
	return nil
}

func (s *MemoryStore) ByRequest(ctx context.Context, requestID string) ([]api.InferenceRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []api.InferenceRequestRecord
	for _, r := range s.rows {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Recent(ctx context.Context, n int) ([]api.InferenceRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.rows) {
		n = len(s.rows)
	}
	out := make([]api.InferenceRequestRecord, 0, n)
	for i := len(s.rows) - 1; i >= len(s.rows)-n; i-- {
		out = append(out, s.rows[i])
	}
	return out, nil
}
