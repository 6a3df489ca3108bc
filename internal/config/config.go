package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the RAG memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	EmbedderProvider string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	EmbeddingModel   string
	EmbeddingDim     int
	EmbeddingTimeout time.Duration

	ChatHistoryLimit int
	DefaultTopK      int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "ragchat"),
		AllowAnyOrigin:   false,
		DatabaseURL:      trimmedEnv("DATABASE_URL"),
		EmbedderProvider: envOrDefault("EMBEDDER_PROVIDER", "auto"),
		OpenAIAPIKey:     trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:    envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		// text-embedding-ada-002 compatible models produce 1536-wide vectors.
		EmbeddingModel:   envOrDefault("EMBEDDING_MODEL", "text-embedding-ada-002"),
		EmbeddingDim:     1536,
		EmbeddingTimeout: 15 * time.Second,
		ChatHistoryLimit: 10,
		DefaultTopK:      3,
		ShutdownTimeout:  15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingTimeout, err = durationFromEnv("EMBEDDING_TIMEOUT", cfg.EmbeddingTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatHistoryLimit, err = intFromEnv("CHAT_HISTORY_LIMIT", cfg.ChatHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultTopK, err = intFromEnv("DEFAULT_TOP_K", cfg.DefaultTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	if cfg.EmbeddingTimeout <= 0 {
		return Config{}, fmt.Errorf("EMBEDDING_TIMEOUT must be positive")
	}
	if cfg.ChatHistoryLimit <= 0 {
		return Config{}, fmt.Errorf("CHAT_HISTORY_LIMIT must be positive")
	}
	if cfg.DefaultTopK <= 0 {
		return Config{}, fmt.Errorf("DEFAULT_TOP_K must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EmbedderProvider)) {
	case "", "auto", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("invalid EMBEDDER_PROVIDER: %q (expected auto|openai|mock)", cfg.EmbedderProvider)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
