package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.AI.APIKey != "${OPENAI_API_KEY}" {
		t.Error("expected API key env placeholder")
	}
	if cfg.Queue.Concurrency != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Queue.StartsPerMinute != 10 {
		t.Errorf("expected 10 starts per minute, got %d", cfg.Queue.StartsPerMinute)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Uploads.MaxBytes != 20<<20 {
		t.Errorf("expected 20MB upload cap, got %d", cfg.Uploads.MaxBytes)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		os.Setenv("TEST_API_KEY", "secret123")
		defer os.Unsetenv("TEST_API_KEY")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})

	t.Run("empty string", func(t *testing.T) {
		if result := ResolveEnvVars(""); result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})
}

func TestWriteDefault(t *testing.T) {
	t.Run("writes default config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := WriteDefault(path); err != nil {
			t.Fatalf("WriteDefault failed: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("config not written: %v", err)
		}
		if len(data) == 0 {
			t.Error("config file is empty")
		}
	})

	t.Run("leaves existing file untouched", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o644); err != nil {
			t.Fatalf("failed to seed config: %v", err)
		}
		if err := WriteDefault(path); err != nil {
			t.Fatalf("WriteDefault failed: %v", err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "server:\n  port: \"9999\"\n" {
			t.Error("WriteDefault overwrote an existing config")
		}
	})
}

func TestManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("server:\n  host: \"0.0.0.0\"\n  port: \"9090\"\nqueue:\n  concurrency: 5\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := cm.Get()
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != "9090" {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Queue.Concurrency != 5 {
		t.Errorf("concurrency = %d, want 5", cfg.Queue.Concurrency)
	}
}
