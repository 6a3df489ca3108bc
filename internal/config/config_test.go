package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.EmbeddingDim != 1536 {
		t.Fatalf("EmbeddingDim = %d, want 1536", cfg.EmbeddingDim)
	}
	if cfg.ChatHistoryLimit != 10 {
		t.Fatalf("ChatHistoryLimit = %d, want 10", cfg.ChatHistoryLimit)
	}
	if cfg.DefaultTopK != 3 {
		t.Fatalf("DefaultTopK = %d, want 3", cfg.DefaultTopK)
	}
	if cfg.EmbedderProvider != "auto" {
		t.Fatalf("EmbedderProvider = %q, want %q", cfg.EmbedderProvider, "auto")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("EMBEDDING_DIM", "384")
	t.Setenv("CHAT_HISTORY_LIMIT", "5")
	t.Setenv("EMBEDDING_TIMEOUT", "2s")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/ragchat")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.EmbeddingDim != 384 {
		t.Fatalf("EmbeddingDim = %d, want 384", cfg.EmbeddingDim)
	}
	if cfg.ChatHistoryLimit != 5 {
		t.Fatalf("ChatHistoryLimit = %d, want 5", cfg.ChatHistoryLimit)
	}
	if cfg.EmbeddingTimeout != 2*time.Second {
		t.Fatalf("EmbeddingTimeout = %v, want 2s", cfg.EmbeddingTimeout)
	}
	if cfg.DatabaseURL != "postgres://localhost:5432/ragchat" {
		t.Fatalf("DatabaseURL = %q, want explicit value", cfg.DatabaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"zero dim", "EMBEDDING_DIM", "0"},
		{"negative history limit", "CHAT_HISTORY_LIMIT", "-1"},
		{"bad duration", "EMBEDDING_TIMEOUT", "soon"},
		{"bad provider", "EMBEDDER_PROVIDER", "cohere"},
		{"bad top k", "DEFAULT_TOP_K", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"DATABASE_URL",
		"EMBEDDER_PROVIDER",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"EMBEDDING_MODEL",
		"EMBEDDING_DIM",
		"EMBEDDING_TIMEOUT",
		"CHAT_HISTORY_LIMIT",
		"DEFAULT_TOP_K",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
