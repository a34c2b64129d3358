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

package session

import (
	"sync"

	"github.com/openinfer/openinfer/pkg/gateway/api"
)

const (
	healthWindowSize   = 10
	degradedThreshold  = 0.2
	unhealthyThreshold = 0.5
)

// healthWindow is a ring of the last N call outcomes.
type healthWindow struct {
	mu       sync.Mutex
	outcomes []bool
	next     int
	filled   int
}

func newHealthWindow(size int) *healthWindow {
	return &healthWindow{outcomes: make([]bool, size)}
}

func (h *healthWindow) Record(success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes[h.next] = success
	h.next = (h.next + 1) % len(h.outcomes)
	if h.filled < len(h.outcomes) {
		h.filled++
	}
}

func (h *healthWindow) State() api.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.filled == 0 {
		return api.HealthHealthy
	}
	failures := 0
	for i := 0; i < h.filled; i++ {
		if !h.outcomes[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(h.filled)
	switch {
	case rate > unhealthyThreshold:
		return api.HealthUnhealthy
	case rate > degradedThreshold:
		return api.HealthDegraded
	default:
		return api.HealthHealthy
	}
}
