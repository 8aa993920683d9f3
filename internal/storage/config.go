// Manages the storage configuration file.

package storage

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CacheConfig selects a cache policy and, for LRU, its capacity.
type CacheConfig struct {
	Policy CachePolicy `yaml:"policy"`
	Size   int         `yaml:"size,omitempty"`
}

func (c *CacheConfig) validate() error {
	switch c.Policy {
	case CacheUnbounded, CacheNone:
		return nil
	case CacheLRU:
		if c.Size <= 0 {
			return errors.New("lru cache size must be positive")
		}
		return nil
	}
	return fmt.Errorf("unknown cache policy %q", c.Policy)
}

// Config holds storage-wide settings plus per-store overrides.
type Config struct {
	// Cache is the default cache configuration for every store.
	Cache CacheConfig `yaml:"cache"`

	// Stores overrides the cache configuration per store name.
	Stores map[string]CacheConfig `yaml:"stores,omitempty"`

	// Compression enables zstd compression of payloads at least
	// ChunkSize bytes long.
	Compression bool `yaml:"compression"`

	// ChunkSize is the payload size threshold for compression, in bytes.
	ChunkSize int `yaml:"chunk_size"`
}

// DefaultConfig returns the settings used when no config file exists:
// bounded LRU caches and compressed payloads.
func DefaultConfig() Config {
	return Config{
		Cache:       CacheConfig{Policy: CacheLRU, Size: 10000},
		Compression: true,
		ChunkSize:   1024,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Cache.validate(); err != nil {
		return fmt.Errorf("storage: cache: %w", err)
	}
	for name, cc := range c.Stores {
		if err := cc.validate(); err != nil {
			return fmt.Errorf("storage: store %q cache: %w", name, err)
		}
	}
	if c.Compression && c.ChunkSize <= 0 {
		return errors.New("storage: chunk_size must be positive when compression is on")
	}
	return nil
}

// storeCache resolves the effective cache config for one store.
func (c *Config) storeCache(name string) CacheConfig {
	if cc, ok := c.Stores[name]; ok {
		return cc
	}
	return c.Cache
}

// LoadConfig reads the YAML configuration at path. A missing file is
// created with the defaults, mirroring first-run behavior.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		out, merr := yaml.Marshal(&cfg)
		if merr != nil {
			return Config{}, fmt.Errorf("storage: marshal default config: %w", merr)
		}
		if werr := os.WriteFile(path, out, 0o644); werr != nil {
			return Config{}, fmt.Errorf("storage: write default config: %w", werr)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("storage: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("storage: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
