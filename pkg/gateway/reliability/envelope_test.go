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

package reliability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

func TestBulkhead_RejectsWhenQueueFull(t *testing.T) {
	b := NewBulkhead("p", 1, 1)

	release, err := b.Acquire(context.Background())
	require.NoError(t, err)

	// one caller may wait
	var wg sync.WaitGroup
	wg.Add(1)
	waiterStarted := make(chan struct{})
	go func() {
		defer wg.Done()
		close(waiterStarted)
		r, err := b.Acquire(context.Background())
		require.NoError(t, err)
		r()
	}()
	<-waiterStarted
	// let the waiter actually enter the queue
	for b.Waiting() == 0 {
		time.Sleep(time.Millisecond)
	}

	// a second waiter overflows the queue
	_, err = b.Acquire(context.Background())
	require.Error(t, err)
	e, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassOverloaded, e.Class)

	release()
	wg.Wait()
}

func TestRetryPolicy_OnlyRetriesRetryable(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Factor: 2}

	calls := 0
	err := p.Do(context.Background(), "t", func() error {
		calls++
		return apierror.Validation("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable must not retry")

	calls = 0
	err = p.Do(context.Background(), "t", func() error {
		calls++
		if calls < 3 {
			return apierror.Overloaded("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Factor: 2}
	calls := 0
	err := p.Do(context.Background(), "t", func() error {
		calls++
		return apierror.Timeout("slow")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func breakerTestConfig() BreakerConfig {
	return BreakerConfig{
		RequestVolumeThreshold: 10,
		FailureRatio:           0.5,
		Delay:                  time.Second,
		SuccessThreshold:       3,
	}
}

func TestBreaker_TripsAndRecovers(t *testing.T) {
	var transitions []gobreaker.State
	var mu sync.Mutex
	b := NewBreaker("p", breakerTestConfig(), func(name string, from, to gobreaker.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	// 4 successes + 6 retryable failures = 10 calls at 60% failure
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	for i := 0; i < 6; i++ {
		require.Error(t, b.Execute(func() error { return apierror.Timeout("transient") }))
	}
	assert.True(t, b.Open())

	// request 11 is short-circuited: fn never runs
	invoked := false
	err := b.Execute(func() error { invoked = true; return nil })
	require.Error(t, err)
	assert.False(t, invoked)
	e, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassProviderUnavailable, e.Class)

	// after the delay, three successful probes close it
	time.Sleep(1100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, gobreaker.StateOpen)
	assert.Contains(t, transitions, gobreaker.StateClosed)
}

func TestEnvelope_TimeoutClassified(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.Retry.MaxRetries = 0
	e := NewEnvelope("slow", cfg, nil)

	err := e.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassTimeout, ge.Class)
	assert.True(t, ge.Retryable)
}

func TestEnvelope_OpenBreakerFailsWithoutBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, Factor: 2}
	cfg.Breaker = BreakerConfig{
		RequestVolumeThreshold: 2,
		FailureRatio:           0.5,
		Delay:                  time.Hour,
		SuccessThreshold:       1,
	}
	e := NewEnvelope("p", cfg, nil)

	for i := 0; i < 2; i++ {
		_ = e.ExecuteOnce(context.Background(), func(ctx context.Context) error {
			return apierror.Overloaded("down")
		})
	}
	require.True(t, e.BreakerOpen())

	// an open breaker short-circuits: no provider call, no retry backoff
	invoked := false
	start := time.Now()
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	assert.Less(t, time.Since(start), cfg.Retry.BaseDelay)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassProviderUnavailable, ge.Class)
	assert.True(t, ge.Retryable)
}

func TestEnvelope_ResetBreakerForcesClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxRetries = 0
	cfg.Breaker = BreakerConfig{
		RequestVolumeThreshold: 2,
		FailureRatio:           0.5,
		Delay:                  time.Hour,
		SuccessThreshold:       1,
	}
	e := NewEnvelope("p", cfg, nil)

	for i := 0; i < 2; i++ {
		_ = e.Execute(context.Background(), func(ctx context.Context) error {
			return apierror.Overloaded("down")
		})
	}
	require.True(t, e.BreakerOpen())

	e.ResetBreaker()
	assert.Equal(t, gobreaker.StateClosed, e.BreakerState())
	require.NoError(t, e.Execute(context.Background(), func(ctx context.Context) error { return nil }))
}
