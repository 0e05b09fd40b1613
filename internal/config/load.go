package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.baseDir = filepath.Dir(absPath)

	if err := ApplyEnv(cfg, EnvPrefix); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML without touching the filesystem or environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultMaxBodyDepth bounds body decoding when a policy does not set it.
const DefaultMaxBodyDepth = 25

func (c *Config) applyDefaults() {
	for name, p := range c.Policies {
		if p.ContentFilter.MaxBodyDepth == 0 {
			p.ContentFilter.MaxBodyDepth = DefaultMaxBodyDepth
			c.Policies[name] = p
		}
	}
}

func (c *Config) resolvePath(p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	base := c.baseDir
	if base == "" {
		base = "."
	}
	return filepath.Join(base, p)
}

func newRevision() string {
	return uuid.NewString()
}
