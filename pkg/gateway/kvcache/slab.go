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

import "fmt"

const slabAlignment = 64

// Slab is the owning allocator behind the block pool: one contiguous
// arena sliced into fixed-size, 64-byte-aligned block windows. Native
// runners receive these windows as scratch K/V storage; the manager zeroes
// a window when its block returns to the free pool so stale attention
// state never leaks across sequences.
type Slab struct {
	arena      []byte
	base       int
	blockBytes int
	stride     int
	blocks     int
}

// NewSlab allocates the arena for totalBlocks blocks of blockBytes each.
func NewSlab(totalBlocks, blockBytes int) (*Slab, error) {
	if totalBlocks <= 0 || blockBytes <= 0 {
		return nil, fmt.Errorf("invalid slab sizing: blocks=%d bytes=%d", totalBlocks, blockBytes)
	}
	stride := alignUp(blockBytes, slabAlignment)
	arena := make([]byte, stride*totalBlocks+slabAlignment)
	base := 0
	// align the first block window, the stride keeps the rest aligned
	for off := range arena[:slabAlignment] {
		if addrAligned(arena, off) {
			base = off
			break
		}
	}
	return &Slab{
		arena:      arena,
		base:       base,
		blockBytes: blockBytes,
		stride:     stride,
		blocks:     totalBlocks,
	}, nil
}

// Block returns the byte window of one physical block.
func (s *Slab) Block(id int) []byte {
	if id < 0 || id >= s.blocks {
		panic(fmt.Sprintf("block id %d out of range [0,%d)", id, s.blocks))
	}
	off := s.base + id*s.stride
	return s.arena[off : off+s.blockBytes : off+s.blockBytes]
}

// Zero clears a block window before it returns to the free pool.
func (s *Slab) Zero(id int) {
	b := s.Block(id)
	for i := range b {
		b[i] = 0
	}
}

// BlockBytes is the usable size of each block window.
func (s *Slab) BlockBytes() int { return s.blockBytes }

// Release drops the arena reference.
func (s *Slab) Release() {
	s.arena = nil
	s.blocks = 0
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
