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

package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

const encodingName = "cl100k_base"

var loaderOnce sync.Once

// TikToken counts tokens with the cl100k_base BPE. The offline loader
// avoids fetching encoding files at runtime.
type TikToken struct{}

func NewTikToken() Tokenizer { return &TikToken{} }

func (t *TikToken) CalculateTokenNum(prompt string) (int, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return 0, err
	}
	return len(encoding.Encode(prompt, nil, nil)), nil
}
