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

// Package scheduler groups in-flight requests into batches that map to a
// single native invocation. Three strategies: STATIC waits for a full
// batch, DYNAMIC adds a wait-time bound, CONTINUOUS admits and retires
// sequences at token-iteration granularity as required by disaggregated
// prefill/decode serving.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

// Strategy selects the batching mode.
type Strategy string

const (
	StrategyStatic     Strategy = "STATIC"
	StrategyDynamic    Strategy = "DYNAMIC"
	StrategyContinuous Strategy = "CONTINUOUS"
)

// Config tunes the scheduler. Hot-reloadable via SetConfig; in-flight
// batches finish under the config they were cut with.
type Config struct {
	Strategy             Strategy      `json:"strategy"`
	MaxBatchSize         int           `json:"maxBatchSize"`
	MaxWaitTime          time.Duration `json:"maxWaitTime"`
	MaxConcurrentBatches int           `json:"maxConcurrentBatches"`
	MaxQueueDepth        int           `json:"maxQueueDepth"`
}

func DefaultConfig() Config {
	return Config{
		Strategy:             StrategyDynamic,
		MaxBatchSize:         8,
		MaxWaitTime:          50 * time.Millisecond,
		MaxConcurrentBatches: 4,
		MaxQueueDepth:        256,
	}
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyDynamic
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 8
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 50 * time.Millisecond
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 256
	}
	return c
}

// Executor runs one request of a dispatched batch. The orchestrator
// plugs the routed provider call in here.
type Executor interface {
	Execute(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error)

func (f ExecutorFunc) Execute(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error) {
	return f(ctx, req)
}

// ContextLimitFunc returns the model's max context tokens, 0 for
// unlimited. Requests over the limit are rejected before queueing.
type ContextLimitFunc func(model string) int

// Result resolves a submitted request.
type Result struct {
	Response api.InferenceResponse
	Err      error
}

// Future is the at-most-once result of a submission.
type Future struct {
	ch chan Result
}

// Wait blocks for the result or the context.
func (f *Future) Wait(ctx context.Context) (api.InferenceResponse, error) {
	select {
	case r := <-f.ch:
		return r.Response, r.Err
	case <-ctx.Done():
		return api.InferenceResponse{}, apierror.Timeout("wait for batch result").WithCause(ctx.Err())
	}
}

// Done exposes the raw channel for select loops.
func (f *Future) Done() <-chan Result { return f.ch }

type pending struct {
	req      api.InferenceRequest
	ctx      context.Context
	future   *Future
	enqueued time.Time
}

func (p *pending) resolve(resp api.InferenceResponse, err error) {
	p.future.ch <- Result{Response: resp, Err: err}
}

// BatchMetrics is an observable snapshot of scheduler pressure.
type BatchMetrics struct {
	QueueDepth        int   `json:"queueDepth"`
	RunningBatches    int   `json:"runningBatches"`
	RunningSequences  int   `json:"runningSequences"`
	BatchesDispatched int64 `json:"batchesDispatched"`
	RequestsScheduled int64 `json:"requestsScheduled"`
}

// Scheduler owns the wait queue and the dispatch loop. The queue is
// exclusively owned: entries leave it only by dispatch or cancellation.
type Scheduler struct {
	exec  Executor
	limit ContextLimitFunc

	mu    sync.Mutex
	cfg   Config
	queue deque.Deque[*pending]

	batchSlots chan struct{} // cut-batch concurrency (STATIC/DYNAMIC)
	seqSlots   chan struct{} // running sequences (CONTINUOUS)

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	batchesDispatched int64
	requestsScheduled int64
}

// New starts the scheduler's dispatch loop.
func New(cfg Config, exec Executor, limit ContextLimitFunc) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		exec:       exec,
		limit:      limit,
		cfg:        cfg,
		batchSlots: make(chan struct{}, cfg.MaxConcurrentBatches),
		seqSlots:   make(chan struct{}, cfg.MaxBatchSize),
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// Submit enqueues one request and returns its future. Fails fast with
// Overloaded when the queue is full and with ContextTooLong before the
// request ever enters the queue.
func (s *Scheduler) Submit(ctx context.Context, req api.InferenceRequest) (*Future, error) {
	if s.limit != nil {
		if max := s.limit(req.Model); max > 0 && req.PromptTokenCount > max {
			return nil, apierror.ContextTooLong("prompt of %d tokens exceeds model limit %d", req.PromptTokenCount, max)
		}
	}

	p := &pending{
		req:      req,
		ctx:      ctx,
		future:   &Future{ch: make(chan Result, 1)},
		enqueued: time.Now(),
	}

	s.mu.Lock()
	if s.queue.Len() >= s.cfg.MaxQueueDepth {
		s.mu.Unlock()
		return nil, apierror.Overloaded("batch queue full (%d)", s.cfg.MaxQueueDepth)
	}
	s.queue.PushBack(p)
	s.mu.Unlock()

	s.wake()
	return p.future, nil
}

// SubmitBatch enqueues a group of requests as one unit and returns their
// futures in input order.
func (s *Scheduler) SubmitBatch(ctx context.Context, reqs []api.InferenceRequest) ([]*Future, error) {
	futures := make([]*Future, 0, len(reqs))
	for _, req := range reqs {
		f, err := s.Submit(ctx, req)
		if err != nil {
			return futures, err
		}
		futures = append(futures, f)
	}
	return futures, nil
}

// Flush dispatches everything queued right away, ignoring wait time and
// batch-size floors.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	batches := s.cutAll()
	cfg := s.cfg
	s.mu.Unlock()
	for _, b := range batches {
		s.runBatch(b, cfg)
	}
}

// SetConfig hot-reloads the strategy. In-flight batches complete under
// the config they started with.
func (s *Scheduler) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	if cfg.MaxConcurrentBatches != old.MaxConcurrentBatches {
		s.batchSlots = make(chan struct{}, cfg.MaxConcurrentBatches)
	}
	if cfg.MaxBatchSize != old.MaxBatchSize {
		s.seqSlots = make(chan struct{}, cfg.MaxBatchSize)
	}
	s.mu.Unlock()
	klog.Infof("scheduler config updated: strategy=%s maxBatchSize=%d maxWaitTime=%v",
		cfg.Strategy, cfg.MaxBatchSize, cfg.MaxWaitTime)
	s.wake()
}

// Metrics snapshots queue pressure.
func (s *Scheduler) Metrics() BatchMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BatchMetrics{
		QueueDepth:        s.queue.Len(),
		RunningBatches:    len(s.batchSlots),
		RunningSequences:  len(s.seqSlots),
		BatchesDispatched: s.batchesDispatched,
		RequestsScheduled: s.requestsScheduled,
	}
}

// Close stops the dispatch loop and fails everything still queued.
func (s *Scheduler) Close() {
	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	var drained []*pending
	for s.queue.Len() > 0 {
		drained = append(drained, s.queue.PopFront())
	}
	s.mu.Unlock()
	for _, p := range drained {
		p.resolve(api.InferenceResponse{}, apierror.Overloaded("scheduler shut down"))
	}
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		cfg := s.cfg
		s.dropCancelledLocked()

		switch cfg.Strategy {
		case StrategyContinuous:
			s.mu.Unlock()
			s.admitContinuous(cfg)
		default:
			batch, wait := s.cutBatchLocked(cfg)
			s.mu.Unlock()
			if batch != nil {
				slots := s.acquireBatchSlot()
				go s.runBatchAndRelease(batch, cfg, slots)
				continue
			}
			if wait > 0 {
				resetTimer(timer, wait)
				select {
				case <-timer.C:
					continue
				case <-s.notify:
					continue
				case <-s.stop:
					return
				}
			}
		}

		select {
		case <-s.notify:
		case <-s.stop:
			return
		}
	}
}

// cutBatchLocked applies the STATIC/DYNAMIC cut rules. Returns the batch
// to dispatch, or the time to wait before the oldest entry expires.
func (s *Scheduler) cutBatchLocked(cfg Config) ([]*pending, time.Duration) {
	n := s.queue.Len()
	if n == 0 {
		return nil, 0
	}
	switch cfg.Strategy {
	case StrategyStatic:
		if n < cfg.MaxBatchSize {
			return nil, 0
		}
	case StrategyDynamic:
		oldest := s.queue.Front()
		waited := time.Since(oldest.enqueued)
		if n < cfg.MaxBatchSize && waited < cfg.MaxWaitTime {
			return nil, cfg.MaxWaitTime - waited
		}
	}
	size := cfg.MaxBatchSize
	if n < size {
		size = n
	}
	batch := make([]*pending, 0, size)
	for i := 0; i < size; i++ {
		batch = append(batch, s.queue.PopFront())
	}
	return batch, 0
}

// cutAll empties the queue into maxBatchSize batches.
func (s *Scheduler) cutAll() [][]*pending {
	var batches [][]*pending
	for s.queue.Len() > 0 {
		size := s.cfg.MaxBatchSize
		if s.queue.Len() < size {
			size = s.queue.Len()
		}
		batch := make([]*pending, 0, size)
		for i := 0; i < size; i++ {
			batch = append(batch, s.queue.PopFront())
		}
		batches = append(batches, batch)
	}
	return batches
}

// dropCancelledLocked removes entries whose context died while queued.
// Cancellation before dispatch never reaches a provider.
func (s *Scheduler) dropCancelledLocked() {
	n := s.queue.Len()
	for i := 0; i < n; i++ {
		p := s.queue.PopFront()
		if p.ctx.Err() != nil {
			p.resolve(api.InferenceResponse{}, apierror.Cancelled("request %s cancelled in queue", p.req.RequestID))
			continue
		}
		s.queue.PushBack(p)
	}
}

// acquireBatchSlot blocks for a slot and returns the channel it was
// taken on. The release must use the same channel: SetConfig may swap
// s.batchSlots while a batch is in flight.
func (s *Scheduler) acquireBatchSlot() chan struct{} {
	s.mu.Lock()
	slots := s.batchSlots
	s.mu.Unlock()
	slots <- struct{}{}
	return slots
}

func (s *Scheduler) runBatchAndRelease(batch []*pending, cfg Config, slots chan struct{}) {
	defer func() {
		<-slots
		s.wake()
	}()
	s.runBatch(batch, cfg)
}

// runBatch executes every entry of the batch concurrently and waits for
// the whole batch, mirroring one native invocation.
func (s *Scheduler) runBatch(batch []*pending, cfg Config) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	s.batchesDispatched++
	s.requestsScheduled += int64(len(batch))
	s.mu.Unlock()
	klog.V(4).Infof("dispatching batch of %d (strategy=%s)", len(batch), cfg.Strategy)

	var wg sync.WaitGroup
	for _, p := range batch {
		wg.Add(1)
		go func(p *pending) {
			defer wg.Done()
			s.runOne(p)
		}(p)
	}
	wg.Wait()
}

// admitContinuous moves queued requests into the running set whenever a
// sequence slot is free; finished sequences release their slot, so
// admission happens at iteration granularity without batch boundaries.
func (s *Scheduler) admitContinuous(cfg Config) {
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		slots := s.seqSlots
		s.mu.Unlock()

		select {
		case slots <- struct{}{}:
		case <-s.stop:
			return
		}

		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			<-slots
			return
		}
		p := s.queue.PopFront()
		s.batchesDispatched++
		s.requestsScheduled++
		s.mu.Unlock()

		go func(p *pending) {
			defer func() {
				<-slots
				s.wake()
			}()
			s.runOne(p)
		}(p)
	}
}

func (s *Scheduler) runOne(p *pending) {
	if p.ctx.Err() != nil {
		p.resolve(api.InferenceResponse{}, apierror.Cancelled("request %s cancelled", p.req.RequestID))
		return
	}
	resp, err := s.exec.Execute(p.ctx, p.req)
	p.resolve(resp, err)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
