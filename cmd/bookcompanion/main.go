package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bookcompanion/bookcompanion/internal/chat"
	"github.com/bookcompanion/bookcompanion/internal/composer"
	"github.com/bookcompanion/bookcompanion/internal/config"
	"github.com/bookcompanion/bookcompanion/internal/embed"
	"github.com/bookcompanion/bookcompanion/internal/ingest"
	"github.com/bookcompanion/bookcompanion/internal/llm"
	"github.com/bookcompanion/bookcompanion/internal/llm/anthropic"
	"github.com/bookcompanion/bookcompanion/internal/llm/openai"
	"github.com/bookcompanion/bookcompanion/internal/observability"
	"github.com/bookcompanion/bookcompanion/internal/rag"
	"github.com/bookcompanion/bookcompanion/internal/retriever"
	"github.com/bookcompanion/bookcompanion/internal/secrets"
	"github.com/bookcompanion/bookcompanion/internal/server"
	"github.com/bookcompanion/bookcompanion/internal/vector"
	"github.com/bookcompanion/bookcompanion/internal/vector/bolt"
	"github.com/bookcompanion/bookcompanion/internal/vector/memory"
	"github.com/bookcompanion/bookcompanion/internal/vector/qdrant"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "bookcompanion",
		Short: "Reading companion backed by retrieval-augmented generation",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/bookcompanion.yaml", "Config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	var (
		ingestOwner string
		ingestBook  string
		ingestFile  string
	)
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a book text into the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(configPath, ingestOwner, ingestBook, ingestFile)
		},
	}
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "Owner id the book belongs to")
	ingestCmd.Flags().StringVar(&ingestBook, "book", "", "Book id")
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "Path to the book text file")
	_ = ingestCmd.MarkFlagRequired("owner")
	_ = ingestCmd.MarkFlagRequired("book")
	_ = ingestCmd.MarkFlagRequired("file")

	var (
		queryOwner string
		queryBooks []string
		queryJSON  bool
	)
	queryCmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Ask a question over ingested books",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(configPath, queryOwner, queryBooks, strings.Join(args, " "), queryJSON)
		},
	}
	queryCmd.Flags().StringVar(&queryOwner, "owner", "", "Owner id to query as")
	queryCmd.Flags().StringSliceVar(&queryBooks, "book", nil, "Restrict retrieval to these book ids (repeatable)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Output the full result as JSON")
	_ = queryCmd.MarkFlagRequired("owner")

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List available LLM providers",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available LLM providers:")
			fmt.Println()
			for name, url := range llm.KnownProviders {
				fmt.Printf("  %-14s %s\n", name, url)
			}
			fmt.Println("  custom         (set base_url to any OpenAI-compatible endpoint)")
			fmt.Println()
			fmt.Println("Configure in bookcompanion.yaml or via environment:")
			fmt.Println("  BOOKCOMPANION_LLM_PROVIDER=openai")
			fmt.Println("  BOOKCOMPANION_LLM_API_KEY=sk-...")
			fmt.Println("  BOOKCOMPANION_LLM_MODEL=gpt-4o-mini")
			fmt.Println("  BOOKCOMPANION_LLM_EMBED_MODEL=text-embedding-3-small")
		},
	}

	rootCmd.AddCommand(serveCmd, ingestCmd, queryCmd, providersCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// newProviderFactory registers every supported provider constructor.
func newProviderFactory() *llm.Factory {
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
	return factory
}

// resolveAPIKey returns llm.api_key from config, or looks it up through the
// configured secrets source (env, file, vault) when the config leaves it
// empty.
func resolveAPIKey(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.LLM.APIKey != "" {
		return cfg.LLM.APIKey, nil
	}
	resolver, err := secrets.NewResolver(secretsConfig(cfg.Secrets))
	if err != nil {
		return "", fmt.Errorf("secrets resolver: %w", err)
	}
	return resolver.GetOrDefault(ctx, secrets.KeyLLMAPIKey, ""), nil
}

func secretsConfig(cfg config.SecretsConfig) *secrets.Config {
	sc := &secrets.Config{Provider: cfg.Provider}
	if cfg.FilePath != "" {
		sc.File = &secrets.FileConfig{Path: cfg.FilePath}
	}
	if cfg.VaultAddr != "" {
		sc.Vault = &secrets.VaultConfig{
			Address:    cfg.VaultAddr,
			Token:      cfg.VaultToken,
			MountPath:  cfg.VaultMount,
			SecretPath: cfg.VaultPath,
		}
	}
	return sc
}

func newProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	apiKey, err := resolveAPIKey(ctx, cfg)
	if err != nil {
		return nil, err
	}
	provider, err := newProviderFactory().Create(llm.ProviderConfig{
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
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}
	if provider == nil {
		return nil, fmt.Errorf("llm.provider %q: embeddings and generation require a model provider", cfg.LLM.Provider)
	}
	return provider, nil
}

// openIndex opens the configured vector index backend.
func openIndex(ctx context.Context, cfg config.VectorConfig) (vector.Index, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil
	case "bolt":
		return bolt.Open(cfg.Path)
	case "qdrant":
		return qdrant.New(ctx, cfg.Host, cfg.Port, cfg.Collection)
	default:
		return nil, fmt.Errorf("unknown vector backend %q (memory, bolt, qdrant)", cfg.Backend)
	}
}

// buildService wires the full query/ingest stack from config.
func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rag.Service, vector.Index, error) {
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	provider = llm.WithRateLimit(provider, llm.DefaultRateLimitConfig())

	index, err := openIndex(ctx, cfg.Vector)
	if err != nil {
		return nil, nil, fmt.Errorf("opening vector index: %w", err)
	}

	var embedOpts []embed.Option
	if cfg.Embedding.BatchSize > 0 {
		embedOpts = append(embedOpts, embed.WithBatchSize(cfg.Embedding.BatchSize))
	}
	if cfg.Embedding.Dimension > 0 {
		embedOpts = append(embedOpts, embed.WithDimension(cfg.Embedding.Dimension))
	}
	embedder := embed.New(provider, embedOpts...)

	ret := retriever.New(embedder, index, retriever.Config{
		MinScore: float32(cfg.Retrieval.MinScore),
	})
	comp := composer.New(provider, composer.Config{
		MaxContextTokens: cfg.Compose.MaxContextTokens,
		MaxAnswerTokens:  cfg.Compose.MaxAnswerTokens,
		Temperature:      cfg.Compose.Temperature,
	})
	manager := ingest.NewManager(embedder, index, ingest.Config{
		BatchSize:   cfg.Ingest.BatchSize,
		Concurrency: cfg.Ingest.Concurrency,
		JobTimeout:  cfg.Ingest.JobTimeout,
		Retention:   cfg.Ingest.JobRetention,
	}, logger)
	convos := chat.NewStore()

	svc := rag.New(ret, comp, manager, convos, index, rag.Config{TopK: cfg.Retrieval.TopK}, logger)
	return svc, index, nil
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("config load failed, using defaults and environment", "path", configPath, "error", err)
		return config.Load("")
	}
	return cfg, nil
}

func runServe(configPath string) error {
	ctx := context.Background()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := loadConfig(configPath, bootLogger)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	tracingCfg := observability.DefaultTracingConfig()
	tracingCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	tp, err := observability.InitTracing(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	if auditPath := os.Getenv("BOOKCOMPANION_AUDIT_LOG"); auditPath != "" {
		if err := observability.InitGlobalAuditLogger(&observability.AuditConfig{
			Enabled:    true,
			OutputPath: auditPath,
		}); err != nil {
			return fmt.Errorf("init audit log: %w", err)
		}
	}

	svc, index, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	api := server.NewAPIServer(svc, logger)
	mux := http.NewServeMux()
	mux.Handle("/api/", api.Handler())
	mux.Handle("/metrics", observability.Metrics().Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := server.NewHealthServer(&server.HealthConfig{Version: "0.1.0"})
	health.RegisterCheck("vector-index", server.VectorIndexHealthChecker(cfg.Vector.Backend, func(ctx context.Context) error {
		_, err := index.Stats(ctx, "healthcheck")
		return err
	}))
	health.RegisterCheck("llm", server.LLMHealthChecker(cfg.LLM.Provider, nil))

	shutdown := server.NewShutdownHandler(nil)
	for _, hook := range []server.ShutdownHook{
		server.HTTPServerShutdownHook("api-server", httpServer.Shutdown),
		server.HTTPServerShutdownHook("health-server", func(ctx context.Context) error {
			health.Shutdown()
			return nil
		}),
		server.TracingShutdownHook(tp.Shutdown),
		server.VectorIndexShutdownHook(index.Close),
		{Name: "audit-logger", Priority: 95, Fn: func(ctx context.Context) error {
			return observability.Audit().Close()
		}},
	} {
		shutdown.RegisterHook(hook.Name, hook.Priority, hook.Fn)
	}
	shutdown.Start()

	go func() {
		if err := health.ListenAndServe(cfg.Server.HealthAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	go func() {
		logger.Info("api server listening", "addr", cfg.Server.Addr, "backend", cfg.Vector.Backend)
		health.SetReady(true)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			shutdown.Shutdown()
		}
	}()

	shutdown.Wait()
	logger.Info("server stopped")
	return nil
}

func runIngest(configPath, ownerID, bookID, filePath string) error {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	text, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read book file: %w", err)
	}

	svc, index, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer index.Close()

	snap, err := svc.IngestBook(ctx, ownerID, bookID, string(text), cfg.Ingest.ChunkSize, cfg.Ingest.Overlap)
	if err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}
	fmt.Printf("Ingestion started: job=%s chunks=%d\n", snap.JobID, snap.TotalChunks)

	final, err := svc.WaitForJob(ctx, ownerID, snap.JobID)
	if err != nil {
		return fmt.Errorf("wait for ingestion: %w", err)
	}
	if final.Error != "" {
		return fmt.Errorf("ingestion failed: %s", final.Error)
	}
	fmt.Printf("Ingestion complete: %d/%d chunks indexed\n", final.ProcessedChunks, final.TotalChunks)
	return nil
}

func runQuery(configPath, ownerID string, bookIDs []string, question string, jsonOutput bool) error {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	svc, index, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer index.Close()

	result, err := svc.ProcessQuery(ctx, ownerID, question, bookIDs, false)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Println(result.Response)
	if len(result.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, s := range result.Sources {
			fmt.Printf("  [%s p.%d] score=%.2f\n", s.BookID, s.Page, s.Confidence)
		}
	}
	return nil
}
