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

package metrics

import (
	"sync"
	"time"
)

// DefaultSLOTarget is the availability objective the burn rate is
// computed against.
const DefaultSLOTarget = 0.999

// BurnTracker keeps a ring of per-bucket good/total counts and reports
// how fast the error budget is burning: 1.0 means the budget drains
// exactly at the objective's rate, above 1 drains faster.
type BurnTracker struct {
	mu         sync.Mutex
	target     float64
	bucketSize time.Duration
	buckets    []burnBucket
	cursor     int
	cursorTime time.Time
}

type burnBucket struct {
	good  int64
	total int64
}

func NewBurnTracker(target float64, bucketSize time.Duration, buckets int) *BurnTracker {
	if buckets <= 0 {
		buckets = 60
	}
	return &BurnTracker{
		target:     target,
		bucketSize: bucketSize,
		buckets:    make([]burnBucket, buckets),
		cursorTime: time.Now(),
	}
}

// Record accounts one request outcome into the current bucket.
func (b *BurnTracker) Record(good bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(time.Now())
	b.buckets[b.cursor].total++
	if good {
		b.buckets[b.cursor].good++
	}
}

// BurnRate returns errorRate / (1 - target) over the whole window.
// Zero traffic reports zero burn.
func (b *BurnTracker) BurnRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(time.Now())

	var good, total int64
	for _, bucket := range b.buckets {
		good += bucket.good
		total += bucket.total
	}
	if total == 0 {
		return 0
	}
	errRate := float64(total-good) / float64(total)
	budget := 1 - b.target
	if budget <= 0 {
		return 0
	}
	return errRate / budget
}

// advanceLocked rotates the ring forward, clearing buckets that fell out
// of the window.
func (b *BurnTracker) advanceLocked(now time.Time) {
	steps := int(now.Sub(b.cursorTime) / b.bucketSize)
	if steps <= 0 {
		return
	}
	if steps > len(b.buckets) {
		steps = len(b.buckets)
	}
	for i := 0; i < steps; i++ {
		b.cursor = (b.cursor + 1) % len(b.buckets)
		b.buckets[b.cursor] = burnBucket{}
	}
	b.cursorTime = now
}
