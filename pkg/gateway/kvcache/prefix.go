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

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// PrefixHasher produces chained block-granular hashes of a prompt
// prefix. Hash i covers bytes [0, (i+1)*blockBytes) because each chunk
// hash folds in the previous one, so an equal hash at position i
// implies an equal prefix. The manager indexes these to account prefix
// reuse across sequences.
type PrefixHasher struct {
	blockBytes int
}

func NewPrefixHasher(blockBytes int) *PrefixHasher {
	return &PrefixHasher{blockBytes: blockBytes}
}

// Hashes returns one chained hash per full block of input. A trailing
// partial block is not hashed; only full blocks are reusable.
func (p *PrefixHasher) Hashes(data []byte) []uint64 {
	n := len(data) / p.blockBytes
	if n == 0 {
		return nil
	}
	hashes := make([]uint64, 0, n)
	var prev uint64
	buf := make([]byte, 8+p.blockBytes)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(buf[:8], prev)
		copy(buf[8:], data[i*p.blockBytes:(i+1)*p.blockBytes])
		prev = xxhash.Sum64(buf)
		hashes = append(hashes, prev)
	}
	return hashes
}

// MatchLen returns how many leading hashes two prefixes share.
func MatchLen(a, b []uint64) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
