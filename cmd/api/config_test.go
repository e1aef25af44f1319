package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SHOPLENS_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("EMBED_API_KEY", "test-key")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != "8080" || cfg.Collection != "shoplens" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.TopK != 5 || cfg.MinScore != 0.5 || cfg.TokenBudget != 3000 || cfg.MaxTurns != 20 {
		t.Fatalf("pipeline defaults = %+v", cfg)
	}
	if cfg.Reformulator != "rule" {
		t.Fatalf("reformulator = %q", cfg.Reformulator)
	}
	if cfg.LLMMaxTokens != 1024 || cfg.LLMTimeoutSecs != 30 || cfg.RetryAttempts != 3 {
		t.Fatalf("generation defaults = %+v", cfg)
	}
	if cfg.ChatRPS != 5 || cfg.ChatBurst != 10 {
		t.Fatalf("throttle defaults = %+v", cfg)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Fatalf("request timeout = %v", cfg.RequestTimeout)
	}
}

func TestLoadConfigEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shoplens.yaml")
	yaml := "port: \"9000\"\ntop_k: 10\nmin_score: 0.7\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHOPLENS_CONFIG", path)
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("EMBED_API_KEY", "test-key")
	t.Setenv("TOP_K", "3")
	t.Setenv("LLM_MAX_TOKENS", "2048")
	t.Setenv("LLM_TIMEOUT_SECONDS", "15")
	t.Setenv("RETRY_ATTEMPTS", "5")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != "9000" {
		t.Fatalf("port = %q, want yaml value 9000", cfg.Port)
	}
	if cfg.TopK != 3 {
		t.Fatalf("top_k = %d, env should beat yaml", cfg.TopK)
	}
	if cfg.MinScore != 0.7 {
		t.Fatalf("min_score = %v", cfg.MinScore)
	}
	if cfg.LLMMaxTokens != 2048 || cfg.LLMTimeoutSecs != 15 || cfg.RetryAttempts != 5 {
		t.Fatalf("generation overrides = %+v", cfg)
	}
}

func TestLoadConfigRequiresLLMKey(t *testing.T) {
	t.Setenv("SHOPLENS_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("EMBED_API_KEY", "x")

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for missing LLM_API_KEY")
	}
}

func TestLoadConfigOllamaNeedsNoEmbedKey(t *testing.T) {
	t.Setenv("SHOPLENS_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("EMBED_API_KEY", "")
	t.Setenv("EMBED_PROVIDER", "ollama")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.EmbedProvider != "ollama" {
		t.Fatalf("provider = %q", cfg.EmbedProvider)
	}
}

func TestEnvIntRejectsGarbage(t *testing.T) {
	t.Setenv("TEST_ENV_INT", "nope")
	if _, err := envInt("TEST_ENV_INT", 1); err == nil {
		t.Fatal("expected parse error")
	}
}
