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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Reference syntax supported inside config values, tried in order:
// ${VAR:-default}, ${VAR}, $VAR.
var (
	refDefaulted = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	refBraced    = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	refBare      = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
)

// expandRefs substitutes environment references in one scalar. A
// defaulted reference takes its fallback only when the variable is
// unset or empty.
func expandRefs(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = refDefaulted.ReplaceAllStringFunc(s, func(m string) string {
		sub := refDefaulted.FindStringSubmatch(m)
		if v := os.Getenv(sub[1]); v != "" {
			return v
		}
		return sub[2]
	})
	s = refBraced.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(refBraced.FindStringSubmatch(m)[1])
	})
	return refBare.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(refBare.FindStringSubmatch(m)[1])
	})
}

// coerce re-types an expanded scalar so "${MAX_ROUNDS:-3}" decodes as
// the int 3, not the string "3".
func coerce(s string) interface{} {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ExpandEnvVarsInData walks a decoded YAML document and expands
// environment references in every string it finds.
func ExpandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		if expanded := expandRefs(v); expanded != v {
			return coerce(expanded)
		}
		return v
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = ExpandEnvVarsInData(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = ExpandEnvVarsInData(item)
		}
		return out
	default:
		return v
	}
}

// LoadEnvFiles loads .env.local then .env when present. Values already
// in the process environment win.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// providerEnvKeys maps a provider to its conventional API key variable.
var providerEnvKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// ProviderAPIKey reads the conventional API key variable for a
// provider, or "" for an unknown provider.
func ProviderAPIKey(provider string) string {
	return os.Getenv(providerEnvKeys[provider])
}
