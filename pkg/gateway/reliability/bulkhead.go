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
	"sync/atomic"

	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

// Bulkhead isolates one provider: at most size calls in flight, at most
// queueSize callers waiting for a slot. Excess submissions fail fast with
// Overloaded so a saturated provider cannot drain shared capacity.
type Bulkhead struct {
	name      string
	slots     chan struct{}
	queueSize int64
	waiting   atomic.Int64
}

func NewBulkhead(name string, size, queueSize int) *Bulkhead {
	if size <= 0 {
		size = 1
	}
	return &Bulkhead{
		name:      name,
		slots:     make(chan struct{}, size),
		queueSize: int64(queueSize),
	}
}

// Acquire takes a slot, queueing up to queueSize callers. The returned
// release func must be called exactly once.
func (b *Bulkhead) Acquire(ctx context.Context) (func(), error) {
	select {
	case b.slots <- struct{}{}:
		return b.releaseFunc(), nil
	default:
	}

	if b.waiting.Add(1) > b.queueSize {
		b.waiting.Add(-1)
		return nil, apierror.Overloaded("bulkhead %s: %d in flight, queue full", b.name, cap(b.slots))
	}
	defer b.waiting.Add(-1)

	select {
	case b.slots <- struct{}{}:
		return b.releaseFunc(), nil
	case <-ctx.Done():
		return nil, apierror.Timeout("bulkhead %s: gave up waiting for slot", b.name).WithCause(ctx.Err())
	}
}

func (b *Bulkhead) releaseFunc() func() {
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			<-b.slots
		}
	}
}

// InFlight is the current number of held slots.
func (b *Bulkhead) InFlight() int { return len(b.slots) }

// Waiting is the current queue depth.
func (b *Bulkhead) Waiting() int { return int(b.waiting.Load()) }
