package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bookcompanion/bookcompanion/internal/config"
	"github.com/bookcompanion/bookcompanion/internal/embed"
	"github.com/bookcompanion/bookcompanion/internal/llm"
	"github.com/bookcompanion/bookcompanion/internal/llm/anthropic"
	"github.com/bookcompanion/bookcompanion/internal/llm/openai"
	"github.com/bookcompanion/bookcompanion/internal/secrets"
	temporalmod "github.com/bookcompanion/bookcompanion/internal/temporal"
	"github.com/bookcompanion/bookcompanion/internal/vector"
	"github.com/bookcompanion/bookcompanion/internal/vector/bolt"
	"github.com/bookcompanion/bookcompanion/internal/vector/memory"
	"github.com/bookcompanion/bookcompanion/internal/vector/qdrant"

	temporalclient "go.temporal.io/sdk/client"
)

func main() {
	configPath := "configs/bookcompanion.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Build LLM provider via factory.
	factory := llm.NewFactory()
	factory.Register("anthropic", func(c llm.ProviderConfig) (llm.Provider, error) {
		return anthropic.New(c.APIKey, c.Model, c.BaseURL), nil
	})
	factory.Register("openai", func(c llm.ProviderConfig) (llm.Provider, error) {
		return openai.New(c.APIKey, c.Model, c.BaseURL, c.EmbedModel), nil
	})
	// All OpenAI-compatible providers
	for _, p := range []struct{ name, url string }{
		{"groq", llm.KnownProviders["groq"]},
		{"ollama", llm.KnownProviders["ollama"]},
		{"together", llm.KnownProviders["together"]},
		{"deepseek", llm.KnownProviders["deepseek"]},
		{"custom", ""},
	} {
		p := p
		factory.Register(p.name, func(c llm.ProviderConfig) (llm.Provider, error) {
			base := c.BaseURL
			if base == "" {
				base = p.url
			}
			return openai.New(c.APIKey, c.Model, base, c.EmbedModel), nil
		})
	}

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		sc := &secrets.Config{Provider: cfg.Secrets.Provider}
		if cfg.Secrets.FilePath != "" {
			sc.File = &secrets.FileConfig{Path: cfg.Secrets.FilePath}
		}
		if cfg.Secrets.VaultAddr != "" {
			sc.Vault = &secrets.VaultConfig{
				Address:    cfg.Secrets.VaultAddr,
				Token:      cfg.Secrets.VaultToken,
				MountPath:  cfg.Secrets.VaultMount,
				SecretPath: cfg.Secrets.VaultPath,
			}
		}
		resolver, err := secrets.NewResolver(sc)
		if err != nil {
			log.Fatalf("secrets resolver: %v", err)
		}
		apiKey = resolver.GetOrDefault(context.Background(), secrets.KeyLLMAPIKey, "")
	}

	provider, err := factory.Create(llm.ProviderConfig{
		Provider:   cfg.LLM.Provider,
		APIKey:     apiKey,
		Model:      cfg.LLM.Model,
		BaseURL:    cfg.LLM.BaseURL,
		EmbedModel: cfg.LLM.EmbedModel,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		RetryDelay: cfg.LLM.RetryDelay,
	})
	if err != nil {
		log.Fatalf("creating LLM provider: %v", err)
	}
	if provider == nil {
		log.Fatalf("llm.provider %q: ingestion workers require an embedding provider", cfg.LLM.Provider)
	}

	// Wire rate limiter before SetDependencies
	provider = llm.WithRateLimit(provider, llm.DefaultRateLimitConfig())

	var index vector.Index
	switch cfg.Vector.Backend {
	case "", "memory":
		index = memory.New()
	case "bolt":
		index, err = bolt.Open(cfg.Vector.Path)
	case "qdrant":
		index, err = qdrant.New(context.Background(), cfg.Vector.Host, cfg.Vector.Port, cfg.Vector.Collection)
	default:
		log.Fatalf("unknown vector backend %q", cfg.Vector.Backend)
	}
	if err != nil {
		log.Fatalf("opening vector index: %v", err)
	}
	defer index.Close()

	var embedOpts []embed.Option
	if cfg.Embedding.BatchSize > 0 {
		embedOpts = append(embedOpts, embed.WithBatchSize(cfg.Embedding.BatchSize))
	}
	if cfg.Embedding.Dimension > 0 {
		embedOpts = append(embedOpts, embed.WithDimension(cfg.Embedding.Dimension))
	}

	temporalmod.SetDependencies(&temporalmod.Dependencies{
		Embedder: embed.New(provider, embedOpts...),
		Index:    index,
	})

	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		log.Fatalf("temporal client: %v", err)
	}
	defer c.Close()

	w, err := temporalmod.StartWorker(c, cfg.Temporal.TaskQueue)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}

	fmt.Printf("Worker started on task queue: %s\n", cfg.Temporal.TaskQueue)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	w.Stop()
	fmt.Println("Worker stopped")
}
