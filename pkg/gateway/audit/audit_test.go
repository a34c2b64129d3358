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

package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/api"
)

func record(t *testing.T, requestID string) api.InferenceRequestRecord {
	t.Helper()
	req, err := api.NewRequest("default", "llama-3-8b").
		RequestID(requestID).
		Messages(api.Message{Role: api.RoleUser, Content: "hi"}).
		Build()
	require.NoError(t, err)
	return NewRecord(req, api.RecordProcessing)
}

func TestComplete_NewRowKeepsRequestIdentity(t *testing.T) {
	rec := record(t, "req-1")
	done := Complete(rec, api.RecordCompleted, 120*time.Millisecond, nil)

	assert.NotEqual(t, rec.ID, done.ID)
	assert.Equal(t, rec.RequestID, done.RequestID)
	assert.Equal(t, api.RecordCompleted, done.Status)
	assert.Equal(t, int64(120), done.LatencyMs)
	require.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.ErrorMessage)
}

func TestComplete_FailureCarriesError(t *testing.T) {
	done := Complete(record(t, "req-1"), api.RecordFailed, time.Millisecond, errors.New("backend down"))
	assert.Equal(t, api.RecordFailed, done.Status)
	assert.Equal(t, "backend down", done.ErrorMessage)
}

func TestMemoryStore_ByRequestPreservesAppendOrder(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	first := record(t, "req-1")
	require.NoError(t, s.Append(ctx, first))
	require.NoError(t, s.Append(ctx, record(t, "req-2")))
	require.NoError(t, s.Append(ctx, Complete(first, api.RecordCompleted, time.Millisecond, nil)))

	rows, err := s.ByRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, api.RecordProcessing, rows[0].Status)
	assert.Equal(t, api.RecordCompleted, rows[1].Status)
}

func TestMemoryStore_RecentNewestFirst(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, record(t, fmt.Sprintf("req-%d", i))))
	}

	rows, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "req-2", rows[0].RequestID)
	assert.Equal(t, "req-1", rows[1].RequestID)
}

func TestMemoryStore_DropsOldestBeyondLimit(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, record(t, fmt.Sprintf("req-%d", i))))
	}

	gone, err := s.ByRequest(ctx, "req-0")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := s.ByRequest(ctx, "req-3")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}
