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

package cli

import (
	"os"

	"golang.org/x/term"
)

// Interactive reports whether stdin is a terminal. Inline approval
// prompts are only attached to interactive sessions; piped input
// leaves suspended sessions for out-of-band /approve decisions.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
