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

// Package kvcache implements the paged KV-cache manager. Physical K/V
// memory is carved into fixed-size blocks; each sequence owns an ordered
// list of logical blocks mapped to physical indices. Paging keeps long
// prompts from fragmenting device memory and lets prefill and decode share
// one pool.
package kvcache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"
)

const (
	// promptBytesPerToken mirrors the chars-per-token heuristic used at
	// admission; prefix hashing chunks prompt bytes at block granularity.
	promptBytesPerToken = 4
	prefixIndexEntries  = 4096
)

// Config sizes the block pool. Slab bytes per block are
// BlockSize * HiddenDim * 2 * ElementBytes (K and V planes).
type Config struct {
	BlockSize    int `json:"blockSize"`
	TotalBlocks  int `json:"totalBlocks"`
	HiddenDim    int `json:"hiddenDim"`
	HeadCount    int `json:"headCount"`
	ElementBytes int `json:"elementBytes"`
}

// DefaultConfig matches a 16-token block over a 4096-dim fp16 model.
func DefaultConfig() Config {
	return Config{
		BlockSize:    16,
		TotalBlocks:  1024,
		HiddenDim:    4096,
		HeadCount:    32,
		ElementBytes: 2,
	}
}

// BlockBytes is the slab size of one physical block.
func (c Config) BlockBytes() int {
	return c.BlockSize * c.HiddenDim * 2 * c.ElementBytes
}

// ExhaustedError is returned when the free pool cannot satisfy an
// allocation. The caller may retry after freeing or evicting sequences.
type ExhaustedError struct {
	Requested int
	Free      int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("kv cache exhausted: need %d blocks, %d free", e.Requested, e.Free)
}

// sequence tracks the logical-to-physical mapping of one request's cache.
type sequence struct {
	blocks []int
	// tokens written into the last block; the block is full when this
	// reaches BlockSize
	lastBlockFill int
}

// Manager owns the block pool. All operations are linearizable under one
// mutex; every critical section is O(allocated blocks of one call).
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	slab     *Slab
	free     *freePool
	seqs     map[string]*sequence
	hasher   *PrefixHasher
	prefixes *lru.Cache[uint64, struct{}]

	prefixHashedBlocks int64
	prefixReusedBlocks int64
}

// NewManager builds the pool and backs it with an owned slab allocation.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BlockSize <= 0 || cfg.TotalBlocks <= 0 {
		return nil, fmt.Errorf("invalid kv cache config: blockSize=%d totalBlocks=%d", cfg.BlockSize, cfg.TotalBlocks)
	}
	slab, err := NewSlab(cfg.TotalBlocks, cfg.BlockBytes())
	if err != nil {
		return nil, err
	}
	prefixes, err := lru.New[uint64, struct{}](prefixIndexEntries)
	if err != nil {
		return nil, err
	}
	klog.Infof("kv cache pool ready: %d blocks x %d bytes (%d tokens/block)",
		cfg.TotalBlocks, cfg.BlockBytes(), cfg.BlockSize)
	return &Manager{
		cfg:      cfg,
		slab:     slab,
		free:     newFreePool(cfg.TotalBlocks),
		seqs:     make(map[string]*sequence),
		hasher:   NewPrefixHasher(cfg.BlockSize * promptBytesPerToken),
		prefixes: prefixes,
	}, nil
}

// Config returns the pool sizing.
func (m *Manager) Config() Config { return m.cfg }

// BlocksForTokens is the number of blocks a prompt of n tokens needs.
func (m *Manager) BlocksForTokens(n int) int {
	return (n + m.cfg.BlockSize - 1) / m.cfg.BlockSize
}

// AllocatePrefill reserves ceil(promptTokens/blockSize) blocks for the
// sequence. Allocation is all-or-nothing: on exhaustion no block is taken
// from the pool. Allocation picks the lowest free index so block layout is
// deterministic.
func (m *Manager) AllocatePrefill(sequenceID string, promptTokens int) ([]int, error) {
	if promptTokens < 0 {
		return nil, fmt.Errorf("promptTokens must be >= 0, got %d", promptTokens)
	}
	required := m.BlocksForTokens(promptTokens)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.seqs[sequenceID]; exists {
		return nil, fmt.Errorf("sequence %q already has an allocation", sequenceID)
	}
	if required > m.free.Len() {
		return nil, &ExhaustedError{Requested: required, Free: m.free.Len()}
	}

	seq := &sequence{blocks: make([]int, 0, required)}
	for i := 0; i < required; i++ {
		seq.blocks = append(seq.blocks, m.free.TakeLowest())
	}
	fill := promptTokens % m.cfg.BlockSize
	if fill == 0 && promptTokens > 0 {
		fill = m.cfg.BlockSize
	}
	seq.lastBlockFill = fill
	m.seqs[sequenceID] = seq

	out := make([]int, len(seq.blocks))
	copy(out, seq.blocks)
	return out, nil
}

// ObservePrefix accounts block-granular prefix reuse for a prompt about
// to be prefilled. The count of leading full blocks whose chained hash
// matches a recently seen prompt is returned and added to the stats,
// then the prompt's own hashes are indexed. Accounting only: the
// prefill still allocates every block.
func (m *Manager) ObservePrefix(prompt string) int {
	hashes := m.hasher.Hashes([]byte(prompt))
	if len(hashes) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	reused := 0
	for _, h := range hashes {
		if _, ok := m.prefixes.Get(h); !ok {
			break
		}
		reused++
	}
	for _, h := range hashes {
		m.prefixes.Add(h, struct{}{})
	}
	m.prefixHashedBlocks += int64(len(hashes))
	m.prefixReusedBlocks += int64(reused)
	return reused
}

// AppendDecode accounts one generated token for the sequence. A new block
// is allocated only when the last logical block is already full; otherwise
// the token lands in the existing block and (-1, false) is returned.
func (m *Manager) AppendDecode(sequenceID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.seqs[sequenceID]
	if !ok {
		return -1, false, fmt.Errorf("unknown sequence %q", sequenceID)
	}
	if len(seq.blocks) == 0 || seq.lastBlockFill == m.cfg.BlockSize {
		if m.free.Len() == 0 {
			return -1, false, &ExhaustedError{Requested: 1, Free: 0}
		}
		id := m.free.TakeLowest()
		seq.blocks = append(seq.blocks, id)
		seq.lastBlockFill = 1
		return id, true, nil
	}
	seq.lastBlockFill++
	return -1, false, nil
}

// Free returns every block of the sequence to the pool and zeroes the
// backing slabs. Idempotent.
func (m *Manager) Free(sequenceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.seqs[sequenceID]
	if !ok {
		return
	}
	for _, id := range seq.blocks {
		m.slab.Zero(id)
		m.free.Return(id)
	}
	delete(m.seqs, sequenceID)
}

// GetBlocks returns a snapshot of the sequence's physical block list, in
// logical order. Nil for unknown sequences.
func (m *Manager) GetBlocks(sequenceID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.seqs[sequenceID]
	if !ok {
		return nil
	}
	out := make([]int, len(seq.blocks))
	copy(out, seq.blocks)
	return out
}

// Stats is an observation point of the conservation invariant:
// FreeBlocks + AllocatedBlocks == TotalBlocks always holds.
type Stats struct {
	TotalBlocks     int `json:"totalBlocks"`
	FreeBlocks      int `json:"freeBlocks"`
	AllocatedBlocks int `json:"allocatedBlocks"`
	ActiveSequences int `json:"activeSequences"`
	// cumulative prefix-hash accounting from ObservePrefix
	PrefixHashedBlocks int64 `json:"prefixHashedBlocks"`
	PrefixReusedBlocks int64 `json:"prefixReusedBlocks"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	allocated := 0
	for _, seq := range m.seqs {
		allocated += len(seq.blocks)
	}
	return Stats{
		TotalBlocks:        m.cfg.TotalBlocks,
		FreeBlocks:         m.free.Len(),
		AllocatedBlocks:    allocated,
		ActiveSequences:    len(m.seqs),
		PrefixHashedBlocks: m.prefixHashedBlocks,
		PrefixReusedBlocks: m.prefixReusedBlocks,
	}
}

// Close releases the slab. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs = make(map[string]*sequence)
	m.slab.Release()
}
