package config_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/crawlee-go/crawlee/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg == nil {
		t.Fatal("Default returned nil")
	}
	if cfg.AutoscaledPool.MinConcurrency != 1 {
		t.Errorf("MinConcurrency = %d, want 1", cfg.AutoscaledPool.MinConcurrency)
	}
	if cfg.AutoscaledPool.MaxConcurrency != 1000 {
		t.Errorf("MaxConcurrency = %d, want 1000", cfg.AutoscaledPool.MaxConcurrency)
	}
	if cfg.SessionPool.MaxPoolSize != 1000 {
		t.Errorf("MaxPoolSize = %d, want 1000", cfg.SessionPool.MaxPoolSize)
	}
	if cfg.Crawler.MaxRequestRetries != 3 {
		t.Errorf("MaxRequestRetries = %d, want 3", cfg.Crawler.MaxRequestRetries)
	}
	if cfg.Events() == nil {
		t.Error("Events() should never return nil")
	}
}

func TestLoadValidFile(t *testing.T) {
	raw := map[string]interface{}{
		"storage_dir": "/tmp/custom-storage",
		"crawler": map[string]interface{}{
			"max_request_retries": 7,
		},
	}
	f, err := os.CreateTemp(t.TempDir(), "config*.json")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewEncoder(f).Encode(raw); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := config.Load(f.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StorageDir != "/tmp/custom-storage" {
		t.Errorf("StorageDir = %q, want /tmp/custom-storage", cfg.StorageDir)
	}
	if cfg.Crawler.MaxRequestRetries != 7 {
		t.Errorf("MaxRequestRetries = %d, want 7", cfg.Crawler.MaxRequestRetries)
	}
	// Fields not present in the file keep Default()'s values.
	if cfg.SessionPool.MaxPoolSize != 1000 {
		t.Errorf("MaxPoolSize = %d, want 1000 (default)", cfg.SessionPool.MaxPoolSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/path/config.json"); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "bad*.json")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not valid json}")
	f.Close()

	if _, err := config.Load(f.Name()); err == nil {
		t.Error("expected error for invalid JSON, got nil")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CRAWLEE_STORAGE_DIR", "/var/crawlee")
	t.Setenv("CRAWLEE_PURGE_ON_START", "true")
	t.Setenv("CRAWLEE_VERBOSE_LOG", "1")

	cfg := config.FromEnv()
	if cfg.StorageDir != "/var/crawlee" {
		t.Errorf("StorageDir = %q, want /var/crawlee", cfg.StorageDir)
	}
	if !cfg.PurgeOnStart {
		t.Error("PurgeOnStart should be true")
	}
	if !cfg.VerboseLog {
		t.Error("VerboseLog should be true")
	}
}
