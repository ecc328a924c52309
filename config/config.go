// Package config loads entitystore configuration from environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds the storage stack configuration. An empty DatabasePath means
// no remote backend is configured and the local file backend serves from the
// start.
type Config struct {
	// DataDir is the local file backend root. Defaults to the hidden
	// project-relative .entitystore folder.
	DataDir string `env:"ENTITYSTORE_DATA_DIR"`
	// DatabasePath is the shared relational database for entities and blobs.
	DatabasePath string `env:"ENTITYSTORE_DATABASE_PATH"`
	// BlobBaseURL prefixes retrievable blob URLs. Defaults to /files.
	BlobBaseURL string `env:"ENTITYSTORE_BLOB_BASE_URL"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load returns the environment configuration with defaults applied.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = ".entitystore"
	}
	if strings.TrimSpace(c.BlobBaseURL) == "" {
		c.BlobBaseURL = "/files"
	}
}
