// Package config resolves the server's storage directory, a default
// environment whitelist, and the seed policy set, merging an optional
// on-disk config.json over built-in defaults. EnvWhitelist is loaded and
// merged but nothing in the server reads it: capsules take their
// whitelist only from the capsule/create arguments.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/ehrlich-b/ccw-mcp/internal/policy"
)

// Config holds the server's resolved runtime settings.
type Config struct {
	StorageDir      string            `json:"storage_dir,omitempty"`
	EnvWhitelist    []string          `json:"env_whitelist,omitempty"`
	DefaultPolicies map[string]policy.Rule `json:"default_policies,omitempty"`
}

// Default returns the built-in configuration rooted at <home>/.ccw-mcp.
func Default(home string) *Config {
	eng := policy.New()
	policies := make(map[string]policy.Rule)
	for _, rule := range eng.List() {
		policies[rule.Name] = rule
	}

	return &Config{
		StorageDir:      filepath.Join(home, ".ccw-mcp"),
		EnvWhitelist:    []string{"PATH", "HOME", "LANG", "TZ"},
		DefaultPolicies: policies,
	}
}

// Load reads config.json under storageDir, if present, and merges it
// over defaults the same way the teacher's config Manager layers
// project settings over user settings: any field set on disk overrides
// the corresponding default, empty/zero fields fall through untouched.
func Load(home, storageDir string) (*Config, error) {
	cfg := Default(home)
	if storageDir != "" {
		cfg.StorageDir = storageDir
	}

	path := filepath.Join(cfg.StorageDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	var override Config
	if err := json.Unmarshal(data, &override); err != nil {
		return nil, err
	}

	if override.StorageDir != "" {
		cfg.StorageDir = override.StorageDir
	}
	if len(override.EnvWhitelist) > 0 {
		cfg.EnvWhitelist = override.EnvWhitelist
	}
	for name, rule := range override.DefaultPolicies {
		cfg.DefaultPolicies[name] = rule
	}

	return cfg, nil
}
