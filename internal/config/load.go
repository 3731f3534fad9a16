package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// envMaxInMemoryCompressionBytes is the one documented environment override
// in the entire core (spec.md §6).
const envMaxInMemoryCompressionBytes = "MAX_IN_MEMORY_COMPRESSION_BYTES"

// Load reads a TOML config file on top of DefaultConfig: unset fields retain
// their defaults, exactly like the teacher's decode-onto-defaults pattern.
// The host (out of scope) decides whether and when to call this; the core
// itself never reads files or flags for domain policy.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies MAX_IN_MEMORY_COMPRESSION_BYTES if set and valid.
// An invalid value is ignored, leaving the TOML/default value in place —
// env overrides never turn an otherwise-valid config invalid.
func applyEnvOverrides(cfg *Config) {
	raw, ok := os.LookupEnv(envMaxInMemoryCompressionBytes)
	if !ok {
		return
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		return
	}

	cfg.Compression.MaxInMemoryCompressionBytes = parsed
}
