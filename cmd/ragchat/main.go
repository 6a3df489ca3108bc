package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Hussnain1080/rag-chatbot-pg/internal/chat"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/config"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/docs"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/embedding"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/engine"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/httpapi"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/observability"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/reliability"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/store"
)

const storeConnectAttempts = 5

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var embedder embedding.Embedder
	provider := strings.ToLower(strings.TrimSpace(cfg.EmbedderProvider))
	if provider == "" {
		provider = "auto"
	}
	switch provider {
	case "openai":
		embedder, err = embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDim,
		})
		if err != nil {
			log.Fatalf("openai embedder init failed: %v", err)
		}
		log.Printf("embedder: openai (%s, %d dims)", cfg.EmbeddingModel, cfg.EmbeddingDim)
	case "mock":
		embedder = embedding.NewMockEmbedder(cfg.EmbeddingDim)
		log.Printf("embedder: mock (%d dims)", cfg.EmbeddingDim)
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			embedder, err = embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
				APIKey:     cfg.OpenAIAPIKey,
				BaseURL:    cfg.OpenAIBaseURL,
				Model:      cfg.EmbeddingModel,
				Dimensions: cfg.EmbeddingDim,
			})
			if err != nil {
				log.Fatalf("openai embedder init failed: %v", err)
			}
			log.Printf("embedder: openai (%s, %d dims)", cfg.EmbeddingModel, cfg.EmbeddingDim)
		} else {
			embedder = embedding.NewMockEmbedder(cfg.EmbeddingDim)
			log.Printf("embedder: mock (no OPENAI_API_KEY set)")
		}
	default:
		log.Fatalf("invalid EMBEDDER_PROVIDER: %q (expected auto|openai|mock)", cfg.EmbedderProvider)
	}

	ctx := context.Background()
	vectorStore, err := connectStore(ctx, cfg)
	if err != nil {
		log.Fatalf("vector store init failed: %v", err)
	}
	defer vectorStore.Close()
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Printf("vector store: in-memory (no DATABASE_URL set)")
	} else {
		log.Printf("vector store: postgresql+pgvector (%d dims)", cfg.EmbeddingDim)
	}

	chatManager := chat.NewManager(vectorStore, embedder, cfg.ChatHistoryLimit)
	docsManager := docs.NewManager(vectorStore, embedder)
	eng := engine.New(chatManager, docsManager, metrics, cfg.EmbeddingTimeout, cfg.DefaultTopK)

	api := httpapi.New(cfg, eng, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// connectStore retries the initial connection with capped backoff so the
// service survives Postgres coming up after it.
func connectStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	var lastErr error
	for attempt := 0; attempt < storeConnectAttempts; attempt++ {
		st, err := store.NewStore(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
		if err == nil {
			return st, nil
		}
		lastErr = err
		if attempt == storeConnectAttempts-1 {
			break
		}
		wait := reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 5*time.Second)
		log.Printf("vector store connect attempt %d failed: %v (retrying in %s)", attempt+1, err, wait)
		time.Sleep(wait)
	}
	return nil, lastErr
}
