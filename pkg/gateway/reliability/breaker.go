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
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	// RequestVolumeThreshold is the minimum number of calls in the
	// closed-state window before the failure ratio is evaluated.
	RequestVolumeThreshold uint32        `json:"requestVolumeThreshold"`
	FailureRatio           float64       `json:"failureRatio"`
	Delay                  time.Duration `json:"delay"`
	// SuccessThreshold is the number of half-open probes; that many
	// consecutive successes close the breaker, any failure reopens it.
	SuccessThreshold uint32 `json:"successThreshold"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		RequestVolumeThreshold: 20,
		FailureRatio:           0.5,
		Delay:                  30 * time.Second,
		SuccessThreshold:       3,
	}
}

// TransitionListener observes breaker state changes, e.g. to emit metric
// events.
type TransitionListener func(provider string, from, to gobreaker.State)

// Breaker wraps gobreaker with the gateway error taxonomy. While open,
// calls fail immediately with ProviderUnavailable and the wrapped fn is
// never invoked.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, cfg BreakerConfig, listener TransitionListener) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.Delay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.RequestVolumeThreshold {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("circuit breaker %s: %s -> %s", name, from, to)
			if listener != nil {
				listener(name, from, to)
			}
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// breakerRejection wraps failures produced by the breaker itself. The
// provider was never called, so retrying within the same backoff window
// would only hit the open breaker again; the retry layer fails fast on
// these while the wire error stays ProviderUnavailable.
type breakerRejection struct {
	err *apierror.Error
}

func (b *breakerRejection) Error() string { return b.err.Error() }
func (b *breakerRejection) Unwrap() error { return b.err }

func isBreakerRejection(err error) bool {
	var r *breakerRejection
	return errors.As(err, &r)
}

// Execute runs fn under the breaker. Every failure, retryable or not,
// counts toward the failure ratio.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	switch err {
	case gobreaker.ErrOpenState:
		return &breakerRejection{apierror.ProviderUnavailable("provider %s: circuit breaker open", b.name)}
	case gobreaker.ErrTooManyRequests:
		return &breakerRejection{apierror.ProviderUnavailable("provider %s: circuit breaker probing", b.name)}
	}
	return err
}

// State exposes the current breaker state for provider info endpoints.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Open reports whether calls are currently short-circuited.
func (b *Breaker) Open() bool { return b.cb.State() == gobreaker.StateOpen }
