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

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

func testRequest(t *testing.T, id string) api.InferenceRequest {
	t.Helper()
	req, err := api.NewRequest("default", "llama-3-8b").
		RequestID(id).
		Messages(api.Message{Role: api.RoleUser, Content: "hello world"}).
		Build()
	require.NoError(t, err)
	return req
}

// recordingExec resolves requests when released and records batch shapes.
type recordingExec struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	started  chan string
	release  chan struct{}
}

func newRecordingExec() *recordingExec {
	return &recordingExec{
		started: make(chan string, 64),
		release: make(chan struct{}),
	}
}

func (e *recordingExec) Execute(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error) {
	e.mu.Lock()
	e.inFlight++
	if e.inFlight > e.maxSeen {
		e.maxSeen = e.inFlight
	}
	e.mu.Unlock()
	e.started <- req.RequestID

	select {
	case <-e.release:
	case <-ctx.Done():
	}

	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
	return api.InferenceResponse{RequestID: req.RequestID, Content: "ok"}, nil
}

func immediateExec(calls *int64) Executor {
	return ExecutorFunc(func(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error) {
		atomic.AddInt64(calls, 1)
		return api.InferenceResponse{RequestID: req.RequestID, Content: "ok"}, nil
	})
}

func TestStatic_WaitsForFullBatch(t *testing.T) {
	var calls int64
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 3, MaxWaitTime: time.Hour}, immediateExec(&calls), nil)
	defer s.Close()

	ctx := context.Background()
	f1, err := s.Submit(ctx, testRequest(t, "r1"))
	require.NoError(t, err)
	_, err = s.Submit(ctx, testRequest(t, "r2"))
	require.NoError(t, err)

	// two of three: nothing dispatches
	assert.Never(t, func() bool { return atomic.LoadInt64(&calls) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	_, err = s.Submit(ctx, testRequest(t, "r3"))
	require.NoError(t, err)

	resp, err := f1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 3 }, time.Second, 10*time.Millisecond)
}

func TestDynamic_DispatchesPartialAfterWait(t *testing.T) {
	var calls int64
	s := New(Config{Strategy: StrategyDynamic, MaxBatchSize: 8, MaxWaitTime: 30 * time.Millisecond}, immediateExec(&calls), nil)
	defer s.Close()

	f, err := s.Submit(context.Background(), testRequest(t, "solo"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "solo", resp.RequestID)

	m := s.Metrics()
	assert.Equal(t, int64(1), m.BatchesDispatched)
}

func TestDynamic_FullBatchDispatchesImmediately(t *testing.T) {
	exec := newRecordingExec()
	s := New(Config{Strategy: StrategyDynamic, MaxBatchSize: 2, MaxWaitTime: time.Hour}, exec, nil)
	defer s.Close()
	defer close(exec.release)

	ctx := context.Background()
	_, err := s.Submit(ctx, testRequest(t, "a"))
	require.NoError(t, err)
	_, err = s.Submit(ctx, testRequest(t, "b"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-exec.started:
		case <-time.After(time.Second):
			t.Fatal("batch did not dispatch despite being full")
		}
	}
}

func TestContinuous_AdmitsUpToBatchSize(t *testing.T) {
	exec := newRecordingExec()
	s := New(Config{Strategy: StrategyContinuous, MaxBatchSize: 2}, exec, nil)
	defer s.Close()

	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		_ = i
		_, err := s.Submit(ctx, testRequest(t, id))
		require.NoError(t, err)
	}

	// two sequences run, the third waits for a slot
	<-exec.started
	<-exec.started
	select {
	case id := <-exec.started:
		t.Fatalf("third sequence %s admitted beyond batch size", id)
	case <-time.After(100 * time.Millisecond):
	}

	// retiring one admits the next at iteration granularity
	exec.release <- struct{}{}
	select {
	case <-exec.started:
	case <-time.After(time.Second):
		t.Fatal("freed slot was not reused")
	}
	close(exec.release)
}

func TestSubmit_QueueFullFailsFast(t *testing.T) {
	exec := newRecordingExec()
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 100, MaxQueueDepth: 2}, exec, nil)
	defer s.Close()
	defer close(exec.release)

	ctx := context.Background()
	_, err := s.Submit(ctx, testRequest(t, "a"))
	require.NoError(t, err)
	_, err = s.Submit(ctx, testRequest(t, "b"))
	require.NoError(t, err)

	_, err = s.Submit(ctx, testRequest(t, "c"))
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassOverloaded, ge.Class)
	assert.True(t, ge.Retryable)
}

func TestSubmit_ContextTooLongRejectedBeforeQueue(t *testing.T) {
	var calls int64
	limit := func(model string) int { return 100 }
	s := New(DefaultConfig(), immediateExec(&calls), limit)
	defer s.Close()

	req := testRequest(t, "big").WithPromptTokenCount(500)
	_, err := s.Submit(context.Background(), req)
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassContextTooLong, ge.Class)
	assert.False(t, ge.Retryable)
	assert.Zero(t, s.Metrics().QueueDepth)
}

func TestCancelledWhileQueued_NeverDispatched(t *testing.T) {
	var calls int64
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 5, MaxWaitTime: time.Hour}, immediateExec(&calls), nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f, err := s.Submit(ctx, testRequest(t, "doomed"))
	require.NoError(t, err)
	cancel()

	// fill the batch so the queue gets swept
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.Submit(context.Background(), testRequest(t, id))
		require.NoError(t, err)
	}

	res := <-f.Done()
	require.Error(t, res.Err)
	ge, ok := apierror.As(res.Err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassCancelled, ge.Class)
}

func TestFlush_DispatchesEverythingQueued(t *testing.T) {
	var calls int64
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 10, MaxWaitTime: time.Hour}, immediateExec(&calls), nil)
	defer s.Close()

	ctx := context.Background()
	var futures []*Future
	for _, id := range []string{"a", "b", "c"} {
		f, err := s.Submit(ctx, testRequest(t, id))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	s.Flush()
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestSubmitBatch_PreservesOrder(t *testing.T) {
	var calls int64
	s := New(Config{Strategy: StrategyDynamic, MaxBatchSize: 4, MaxWaitTime: 10 * time.Millisecond}, immediateExec(&calls), nil)
	defer s.Close()

	reqs := []api.InferenceRequest{testRequest(t, "x"), testRequest(t, "y"), testRequest(t, "z")}
	futures, err := s.SubmitBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, futures, 3)

	for i, f := range futures {
		resp, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, reqs[i].RequestID, resp.RequestID)
	}
}

func TestSetConfig_HotReload(t *testing.T) {
	var calls int64
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 100, MaxWaitTime: time.Hour}, immediateExec(&calls), nil)
	defer s.Close()

	f, err := s.Submit(context.Background(), testRequest(t, "r"))
	require.NoError(t, err)

	// stuck under STATIC with a huge batch floor; switching to DYNAMIC
	// with a tiny wait releases it
	s.SetConfig(Config{Strategy: StrategyDynamic, MaxBatchSize: 4, MaxWaitTime: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	require.NoError(t, err)
}

func TestSetConfig_ResizeReleasesInflightBatchSlots(t *testing.T) {
	exec := newRecordingExec()
	s := New(Config{Strategy: StrategyDynamic, MaxBatchSize: 1, MaxWaitTime: time.Millisecond, MaxConcurrentBatches: 1}, exec, nil)
	defer s.Close()

	ctx := context.Background()
	first, err := s.Submit(ctx, testRequest(t, "first"))
	require.NoError(t, err)
	<-exec.started // first batch holds the only slot

	second, err := s.Submit(ctx, testRequest(t, "second"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Metrics().QueueDepth == 0 }, time.Second, 5*time.Millisecond)

	// resizing swaps the slot channel under the in-flight batch; its
	// release must still land on the channel it acquired
	s.SetConfig(Config{Strategy: StrategyDynamic, MaxBatchSize: 1, MaxWaitTime: time.Millisecond, MaxConcurrentBatches: 2})
	close(exec.release)

	wait, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = first.Wait(wait)
	require.NoError(t, err)
	_, err = second.Wait(wait)
	require.NoError(t, err)
}

func TestClose_FailsQueuedRequests(t *testing.T) {
	var calls int64
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 100, MaxWaitTime: time.Hour}, immediateExec(&calls), nil)

	f, err := s.Submit(context.Background(), testRequest(t, "r"))
	require.NoError(t, err)
	s.Close()

	res := <-f.Done()
	require.Error(t, res.Err)
}
