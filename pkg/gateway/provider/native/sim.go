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

package native

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// SimLoader is a deterministic in-process runner used in tests and in dev
// mode when no native backend is built in. Generation echoes the prompt
// word by word, which makes token-level assertions stable.
type SimLoader struct {
	// TokenDelay simulates per-token generation latency.
	TokenDelay time.Duration
	// FailLoad makes every Load fail with the given code.
	FailLoad int32
}

func (l *SimLoader) Load(opts LoadOptions, errBuf *ErrorBuf) (Runner, bool) {
	if l.FailLoad != CodeOK {
		errBuf.Set(l.FailLoad, "simulated load failure for %s", opts.ModelPath)
		return nil, false
	}
	return &simRunner{delay: l.TokenDelay}, true
}

type simRunner struct {
	delay  time.Duration
	closed atomic.Bool
}

func (r *simRunner) Begin(params GenerationParams, errBuf *ErrorBuf) (Generation, bool) {
	if r.closed.Load() {
		errBuf.Set(CodeInternal, "runner closed")
		return nil, false
	}
	words := strings.Fields(params.Prompt)
	if len(words) == 0 {
		words = []string{"ok"}
	}
	max := params.MaxTokens
	if max <= 0 {
		max = len(words)
	}
	return &simGeneration{source: words, max: max, delay: r.delay}, true
}

func (r *simRunner) Close() { r.closed.Store(true) }

type simGeneration struct {
	source  []string
	max     int
	emitted int
	delay   time.Duration
	aborted atomic.Bool
}

func (g *simGeneration) Next(errBuf *ErrorBuf) (TokenEvent, bool) {
	if g.aborted.Load() {
		return TokenEvent{Stop: StopAborted}, false
	}
	if g.emitted >= g.max {
		return TokenEvent{Stop: StopLength}, false
	}
	if g.emitted >= len(g.source) {
		return TokenEvent{Stop: StopEOS}, false
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	tok := g.source[g.emitted]
	if g.emitted > 0 {
		tok = " " + tok
	}
	g.emitted++
	return TokenEvent{Token: tok}, true
}

func (g *simGeneration) Abort() { g.aborted.Store(true) }

func (g *simGeneration) Close() {}

func (g *simGeneration) String() string {
	return fmt.Sprintf("simGeneration{emitted=%d max=%d}", g.emitted, g.max)
}
