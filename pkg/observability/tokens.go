// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// CountTokens approximates the token count of text for models that do
// not report usage. Counting uses the cl100k_base encoding; most chat
// models tokenize close enough to it for cost estimation. When the
// encoding is unavailable (offline first run) it falls back to a
// 4-characters-per-token heuristic.
func CountTokens(modelName, text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		enc, err := tiktoken.EncodingForModel(modelName)
		if err != nil {
			enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		}
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return (len(text) + 3) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}
