package config

import (
	"os"
	"path/filepath"
	"strings"
)

// hfTokenKey is the conventional Hugging Face token variable name.
const hfTokenKey = "HF_TOKEN"

// ParseEnvFile reads KEY=VALUE lines from a dotenv-style file. Comments,
// blank lines, and lines without '=' are ignored; single or double quotes
// around values are stripped.
func ParseEnvFile(path string) map[string]string {
	values := map[string]string{}
	data, err := os.ReadFile(path)
	if err != nil {
		return values
	}

	for _, rawLine := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
				(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
				value = value[1 : len(value)-1]
			}
		}
		if key != "" {
			values[key] = value
		}
	}
	return values
}

// LoadEnvironment merges the process environment with overrides from a .env
// file in the base directory.
func LoadEnvironment(baseDir string) map[string]string {
	merged := map[string]string{}
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if ok {
			merged[key] = value
		}
	}
	for key, value := range ParseEnvFile(filepath.Join(baseDir, ".env")) {
		merged[key] = value
	}
	return merged
}

// ResolveHFToken returns the override token when set, otherwise the HF_TOKEN
// environment value looked up case-insensitively. Empty means unresolved.
func ResolveHFToken(override string, env map[string]string) string {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return trimmed
	}
	if value := strings.TrimSpace(env[hfTokenKey]); value != "" {
		return value
	}
	for key, value := range env {
		if strings.EqualFold(key, hfTokenKey) && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
