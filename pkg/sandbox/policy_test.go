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

package sandbox_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/sandbox"
)

func newPolicy(t *testing.T, root string, cfg *config.SecurityConfig) *sandbox.Policy {
	t.Helper()
	p, err := sandbox.NewPolicy(cfg, root)
	require.NoError(t, err)
	return p
}

func TestValidatePathAllowList(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "secret"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "ok.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret", "no.txt"), []byte("x"), 0644))

	p := newPolicy(t, root, &config.SecurityConfig{
		AllowedReadPaths:  []string{"data"},
		AllowedWritePaths: []string{"output"},
	})

	assert.NoError(t, p.ValidatePath(filepath.Join(root, "data", "ok.txt"), sandbox.ModeRead))
	assert.Error(t, p.ValidatePath(filepath.Join(root, "secret", "no.txt"), sandbox.ModeRead))

	// Write mode uses its own allow-list, nonexistent target included.
	assert.NoError(t, p.ValidatePath(filepath.Join(root, "output", "new.txt"), sandbox.ModeWrite))
	assert.Error(t, p.ValidatePath(filepath.Join(root, "data", "ok.txt"), sandbox.ModeWrite))
}

func TestValidatePathRejectsSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0755))
	target := filepath.Join(root, "data", "real.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))
	link := filepath.Join(root, "data", "link.txt")
	require.NoError(t, os.Symlink(target, link))

	p := newPolicy(t, root, &config.SecurityConfig{AllowedReadPaths: []string{"data"}})
	assert.NoError(t, p.ValidatePath(target, sandbox.ModeRead))
	assert.Error(t, p.ValidatePath(link, sandbox.ModeRead))
}

func TestValidatePathTraversal(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0755))

	p := newPolicy(t, root, &config.SecurityConfig{AllowedReadPaths: []string{"data"}})
	assert.Error(t, p.ValidatePath("data/../../etc/passwd", sandbox.ModeRead))
}

func TestValidateCommand(t *testing.T) {
	p := newPolicy(t, t.TempDir(), &config.SecurityConfig{
		BlockedCommands: []string{"drop table"},
	})

	tests := []struct {
		command string
		wantErr bool
	}{
		{"ls -la", false},
		{"rm -rf /", true},
		{"RM -RF /tmp", true}, // case-insensitive
		{"sqlite3 db 'DROP TABLE users'", true},
		{"echo hello", false},
		{"dd if=/dev/zero of=/dev/sda", true},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			err := p.ValidateCommand(tt.command)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDisabledPolicyAllowsEverything(t *testing.T) {
	disabled := false
	p := newPolicy(t, t.TempDir(), &config.SecurityConfig{SandboxEnabled: &disabled})

	assert.False(t, p.Enabled())
	assert.NoError(t, p.ValidatePath("/etc/passwd", sandbox.ModeRead))
	assert.NoError(t, p.ValidateCommand("rm -rf /"))
}
