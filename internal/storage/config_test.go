package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := cfg
	bad.Cache = CacheConfig{Policy: "ring", Size: 8}
	if err := bad.Validate(); err == nil {
		t.Fatal("unknown policy should fail validation")
	}

	bad = cfg
	bad.Cache = CacheConfig{Policy: CacheLRU, Size: 0}
	if err := bad.Validate(); err == nil {
		t.Fatal("lru with no capacity should fail validation")
	}

	bad = cfg
	bad.Stores = map[string]CacheConfig{"snapshot": {Policy: CacheLRU}}
	if err := bad.Validate(); err == nil {
		t.Fatal("bad per-store override should fail validation")
	}

	bad = cfg
	bad.ChunkSize = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("compression without a chunk size should fail validation")
	}
}

func TestStoreCacheOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stores = map[string]CacheConfig{
		"snapshot": {Policy: CacheNone},
	}
	if got := cfg.storeCache("snapshot"); got.Policy != CacheNone {
		t.Fatalf("snapshot policy = %q, want none", got.Policy)
	}
	if got := cfg.storeCache("sample"); got.Policy != CacheLRU {
		t.Fatalf("fallback policy = %q, want the storage-wide default", got.Policy)
	}
}

func TestLoadConfigCreatesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pathstore.yaml")
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cache.Policy != CacheLRU || !cfg.Compression {
		t.Fatalf("first run did not return defaults: %+v", cfg)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("default config file was not written: %v", err)
	}

	// The written file round-trips.
	again, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.Cache != cfg.Cache || again.Compression != cfg.Compression {
		t.Fatalf("reload mismatch: %+v vs %+v", again, cfg)
	}
}

func TestLoadConfigParses(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pathstore.yaml")
	doc := `
cache:
  policy: unbounded
stores:
  snapshot:
    policy: lru
    size: 50
compression: false
chunk_size: 0
`
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cache.Policy != CacheUnbounded {
		t.Fatalf("policy = %q, want unbounded", cfg.Cache.Policy)
	}
	if cc := cfg.storeCache("snapshot"); cc.Policy != CacheLRU || cc.Size != 50 {
		t.Fatalf("snapshot override = %+v", cc)
	}
	if cfg.Compression {
		t.Fatal("compression should be off")
	}
}
