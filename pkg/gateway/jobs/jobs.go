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

// Package jobs runs deferred inference requests on a worker pool fed by
// a priority queue. Job state lives in an in-memory table as the fast
// path and is mirrored to an external store for durability.
package jobs

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

// Runner is the synchronous execution path a worker invokes, normally
// the orchestrator's Execute.
type Runner func(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error)

// Config sizes the pool.
type Config struct {
	Workers      int           `json:"workers"`
	MaxQueued    int           `json:"maxQueued"`
	ResultTTL    time.Duration `json:"resultTtl"`
	PollInterval time.Duration `json:"pollInterval"`
}

func DefaultConfig() Config {
	return Config{Workers: 4, MaxQueued: 1024, ResultTTL: time.Hour, PollInterval: 100 * time.Millisecond}
}

type queued struct {
	job    *job
	seq    uint64 // FIFO tiebreak within a priority
	reqPri int
}

type jobQueue []*queued

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].reqPri != q[j].reqPri {
		return q[i].reqPri > q[j].reqPri
	}
	return q[i].seq < q[j].seq
}
func (q jobQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*queued)) }
func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

type job struct {
	record    api.AsyncJob
	req       api.InferenceRequest
	cancel    context.CancelFunc // set while RUNNING
	cancelled bool               // a Cancel call already claimed this job
}

// Manager owns the queue, the workers and the state table.
type Manager struct {
	cfg    Config
	runner Runner
	store  Store

	mu         sync.Mutex
	queue      jobQueue
	byID       map[string]*job
	seq        uint64
	closed     bool
	onTerminal func(api.AsyncJob)

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewManager starts the worker pool. A nil store disables mirroring.
func NewManager(cfg Config, runner Runner, store Store) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	m := &Manager{
		cfg:    cfg,
		runner: runner,
		store:  store,
		byID:   make(map[string]*job),
		notify: make(chan struct{}, cfg.Workers),
		stop:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// SetOnTerminal registers a hook invoked once per job after it reaches
// a terminal state. Callers use it to release admission reservations.
func (m *Manager) SetOnTerminal(fn func(api.AsyncJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = fn
}

func (m *Manager) notifyTerminal(rec api.AsyncJob) {
	m.mu.Lock()
	fn := m.onTerminal
	m.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

// Submit enqueues a request and returns its job id. Higher request
// priority dequeues first; equal priorities run in submission order.
func (m *Manager) Submit(ctx context.Context, req api.InferenceRequest) (string, error) {
	j := &job{
		record: api.AsyncJob{
			JobID:       uuid.NewString(),
			RequestID:   req.RequestID,
			TenantID:    req.TenantID,
			State:       api.JobQueued,
			SubmittedAt: time.Now(),
		},
		req: req,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", apierror.Overloaded("job manager shut down")
	}
	if m.queue.Len() >= m.cfg.MaxQueued {
		m.mu.Unlock()
		return "", apierror.Overloaded("job queue full (%d)", m.cfg.MaxQueued)
	}
	m.seq++
	heap.Push(&m.queue, &queued{job: j, seq: m.seq, reqPri: req.Priority})
	m.byID[j.record.JobID] = j
	m.mu.Unlock()

	m.mirror(ctx, j.record)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return j.record.JobID, nil
}

// Status returns the job snapshot. Falls back to the mirror store for
// jobs submitted before a restart.
func (m *Manager) Status(ctx context.Context, jobID string) (api.AsyncJob, error) {
	m.mu.Lock()
	j, ok := m.byID[jobID]
	if ok {
		rec := j.record
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()

	if m.store != nil {
		if rec, err := m.store.Load(ctx, jobID); err == nil {
			return rec, nil
		}
	}
	return api.AsyncJob{}, apierror.NotFound("job %s not found", jobID)
}

// WaitFor polls until the job reaches a terminal state or the timeout
// elapses.
func (m *Manager) WaitFor(ctx context.Context, jobID string, timeout, pollInterval time.Duration) (api.AsyncJob, error) {
	if pollInterval <= 0 {
		pollInterval = m.cfg.PollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		rec, err := m.Status(ctx, jobID)
		if err != nil {
			return api.AsyncJob{}, err
		}
		if rec.State.Terminal() {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return rec, apierror.Timeout("job %s still %s after %v", jobID, rec.State, timeout)
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return rec, apierror.Timeout("wait for job %s", jobID).WithCause(ctx.Err())
		}
	}
}

// Cancel requests cancellation. True iff the job was QUEUED or RUNNING
// and the signal was delivered; queued jobs transition immediately,
// running ones within one generation iteration.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	j, ok := m.byID[jobID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	switch j.record.State {
	case api.JobQueued:
		m.transitionLocked(j, api.JobCancelled, nil, apierror.Cancelled("job cancelled while queued"))
		rec := j.record
		m.mu.Unlock()
		m.mirror(context.Background(), rec)
		m.notifyTerminal(rec)
		return true
	case api.JobRunning:
		if j.cancelled || j.cancel == nil {
			m.mu.Unlock()
			return false
		}
		j.cancelled = true
		cancel := j.cancel
		m.mu.Unlock()
		cancel()
		return true
	default:
		m.mu.Unlock()
		return false
	}
}

// CountByState snapshots the state distribution for metric gauges.
func (m *Manager) CountByState() map[api.JobState]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[api.JobState]int)
	for _, j := range m.byID {
		out[j.record.State]++
	}
	return out
}

// Close stops the workers; queued jobs are cancelled.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var drained []api.AsyncJob
	for m.queue.Len() > 0 {
		item := heap.Pop(&m.queue).(*queued)
		if item.job.record.State == api.JobQueued {
			m.transitionLocked(item.job, api.JobCancelled, nil, apierror.Cancelled("shutdown"))
			drained = append(drained, item.job.record)
		}
	}
	m.mu.Unlock()
	for _, rec := range drained {
		m.notifyTerminal(rec)
	}
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		j := m.next()
		if j == nil {
			select {
			case <-m.notify:
				continue
			case <-m.stop:
				return
			}
		}
		m.run(j)
	}
}

// next pops the highest-priority job still QUEUED.
func (m *Manager) next() *job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.queue.Len() > 0 {
		item := heap.Pop(&m.queue).(*queued)
		if item.job.record.State != api.JobQueued {
			continue // cancelled while queued
		}
		return item.job
	}
	return nil
}

func (m *Manager) run(j *job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	j.record.State = api.JobRunning
	j.cancel = cancel
	rec := j.record
	m.mu.Unlock()
	m.mirror(ctx, rec)

	resp, err := m.runner(ctx, j.req)

	m.mu.Lock()
	j.cancel = nil
	switch {
	case err == nil:
		m.transitionLocked(j, api.JobCompleted, &resp, nil)
	case ctx.Err() != nil:
		m.transitionLocked(j, api.JobCancelled, nil, err)
	default:
		m.transitionLocked(j, api.JobFailed, nil, err)
	}
	rec = j.record
	m.mu.Unlock()
	m.mirror(context.Background(), rec)
	m.notifyTerminal(rec)
}

// transitionLocked applies a terminal transition exactly once.
func (m *Manager) transitionLocked(j *job, state api.JobState, resp *api.InferenceResponse, err error) {
	if j.record.State.Terminal() {
		return
	}
	now := time.Now()
	j.record.State = state
	j.record.CompletedAt = &now
	j.record.Result = resp
	if err != nil {
		j.record.Error = err.Error()
	}
}

func (m *Manager) mirror(ctx context.Context, rec api.AsyncJob) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, rec, m.cfg.ResultTTL); err != nil {
		klog.Errorf("job %s: mirror to store failed: %v", rec.JobID, err)
	}
}
