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

package kvcache

import "container/heap"

// freePool is a min-heap of free block indices. TakeLowest always yields
// the smallest free index, which keeps allocation deterministic.
type freePool struct {
	h intHeap
}

func newFreePool(totalBlocks int) *freePool {
	p := &freePool{h: make(intHeap, totalBlocks)}
	for i := 0; i < totalBlocks; i++ {
		p.h[i] = i
	}
	heap.Init(&p.h)
	return p
}

func (p *freePool) Len() int { return len(p.h) }

func (p *freePool) TakeLowest() int {
	return heap.Pop(&p.h).(int)
}

func (p *freePool) Return(id int) {
	heap.Push(&p.h, id)
}

type intHeap []int

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
