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

// Package reliability wraps provider calls with the bulkhead, timeout,
// retry and circuit-breaker stack, in that order from the outside in.
package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

// Config is the full envelope tuning for one provider.
type Config struct {
	BulkheadSize      int           `json:"bulkheadSize"`
	BulkheadQueueSize int           `json:"bulkheadQueueSize"`
	CallTimeout       time.Duration `json:"callTimeout"`
	Retry             RetryPolicy   `json:"retry"`
	Breaker           BreakerConfig `json:"breaker"`
}

func DefaultConfig() Config {
	return Config{
		BulkheadSize:      32,
		BulkheadQueueSize: 64,
		CallTimeout:       30 * time.Second,
		Retry:             DefaultRetryPolicy(),
		Breaker:           DefaultBreakerConfig(),
	}
}

// Envelope is the composed reliability stack for one provider.
type Envelope struct {
	name     string
	cfg      Config
	bulkhead *Bulkhead
	listener TransitionListener

	mu      sync.RWMutex
	breaker *Breaker
}

func NewEnvelope(name string, cfg Config, listener TransitionListener) *Envelope {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Envelope{
		name:     name,
		cfg:      cfg,
		bulkhead: NewBulkhead(name, cfg.BulkheadSize, cfg.BulkheadQueueSize),
		listener: listener,
		breaker:  NewBreaker(name, cfg.Breaker, listener),
	}
}

// Execute runs the call under bulkhead -> timeout -> retry -> breaker.
// The breaker sits innermost so every attempt, including retries, counts
// toward its failure ratio.
func (e *Envelope) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := e.bulkhead.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return e.cfg.Retry.Do(ctx, e.name, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		err := e.currentBreaker().Execute(func() error {
			err := fn(callCtx)
			if callCtx.Err() == context.DeadlineExceeded {
				return apierror.Timeout("provider %s: call exceeded %v", e.name, e.cfg.CallTimeout).WithCause(err)
			}
			return err
		})
		return err
	})
}

// ExecuteOnce skips the retry layer. Streaming calls use this: once any
// chunk has been emitted a retry would duplicate output.
func (e *Envelope) ExecuteOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := e.bulkhead.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return e.currentBreaker().Execute(func() error {
		return fn(ctx)
	})
}

func (e *Envelope) currentBreaker() *Breaker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.breaker
}

// BreakerState reports the live breaker state.
func (e *Envelope) BreakerState() gobreaker.State {
	return e.currentBreaker().State()
}

// BreakerOpen reports whether the provider is short-circuited. The router
// deprioritizes open providers.
func (e *Envelope) BreakerOpen() bool {
	return e.currentBreaker().Open()
}

// ResetBreaker forces the breaker closed by replacing it with a fresh
// instance. Operator escape hatch behind the breaker reset endpoint.
func (e *Envelope) ResetBreaker() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		e.listener(e.name, e.breaker.State(), gobreaker.StateClosed)
	}
	e.breaker = NewBreaker(e.name, e.cfg.Breaker, e.listener)
}

// QueueDepth exposes bulkhead pressure for back-pressure metrics.
func (e *Envelope) QueueDepth() (inFlight, waiting int) {
	return e.bulkhead.InFlight(), e.bulkhead.Waiting()
}
