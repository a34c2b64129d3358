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

import "unsafe"

// addrAligned reports whether &buf[off] sits on a slabAlignment boundary.
// Native kernels require 64-byte-aligned K/V windows.
func addrAligned(buf []byte, off int) bool {
	return uintptr(unsafe.Pointer(&buf[off]))%slabAlignment == 0
}
