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
	"math/rand"
	"time"

	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

// RetryPolicy retries retryable failures with exponential backoff and
// +/-25% jitter. Non-retryable errors return immediately.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  100 * time.Millisecond,
		Factor:     2,
	}
}

// Do runs fn up to MaxRetries+1 times.
func (p RetryPolicy) Do(ctx context.Context, name string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		// breaker rejections never reached the provider; backing off
		// in-call would just meet the open breaker again
		if isBreakerRejection(err) || !apierror.IsRetryable(err) || attempt >= p.MaxRetries {
			return err
		}
		delay := p.backoff(attempt)
		klog.V(4).Infof("retrying %s after %v (attempt %d/%d): %v", name, delay, attempt+1, p.MaxRetries, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return apierror.Timeout("%s: retry interrupted", name).WithCause(ctx.Err())
		}
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
	}
	// jitter in [0.75, 1.25)
	d *= 0.75 + rand.Float64()*0.5
	return time.Duration(d)
}
