// Package app builds the tutor from configuration: upstream clients, stores,
// the four pipeline stages and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/adapters/catalog"
	"github.com/0xcro3dile/coursetutor-go/internal/adapters/chatlog"
	"github.com/0xcro3dile/coursetutor-go/internal/adapters/embedding"
	"github.com/0xcro3dile/coursetutor-go/internal/adapters/filewatcher"
	"github.com/0xcro3dile/coursetutor-go/internal/adapters/llm"
	"github.com/0xcro3dile/coursetutor-go/internal/adapters/openaicompat"
	"github.com/0xcro3dile/coursetutor-go/internal/adapters/resilience"
	"github.com/0xcro3dile/coursetutor-go/internal/adapters/session"
	"github.com/0xcro3dile/coursetutor-go/internal/adapters/vectordb"
	"github.com/0xcro3dile/coursetutor-go/internal/config"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/usecases"
	httpserver "github.com/0xcro3dile/coursetutor-go/internal/infrastructure/http"
	"github.com/0xcro3dile/coursetutor-go/internal/infrastructure/metrics"
	"github.com/0xcro3dile/coursetutor-go/internal/infrastructure/sqlite"
)

const openAIBaseURL = "https://api.openai.com/v1"

// chunkStore is what every vector backend provides.
type chunkStore interface {
	ports.ChunkStore
	ports.ChunkWriter
}

// App holds the wired components. Close releases databases and clients.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Catalog   *catalog.Catalog
	Router    *usecases.ChapterRouter
	Retriever *usecases.VectorRetriever
	Pipeline  *usecases.Pipeline
	Importer  *usecases.ImportUseCase
	Sessions  ports.SessionStore
	Registry  *prometheus.Registry

	health  map[string]httpserver.HealthCheck
	db      *sql.DB
	closers []func() error
}

// New wires every component described by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, health: map[string]httpserver.HealthCheck{}}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	var m *metrics.Pipeline
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		for _, c := range []prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := metrics.Register(a.Registry, c); err != nil {
				return fmt.Errorf("registering collector: %w", err)
			}
		}
		m = metrics.New(a.Registry)
	}

	cat, err := catalog.New(cfg.Catalog.Path, a.Logger.Named("catalog"))
	if err != nil {
		return err
	}
	a.Catalog = cat

	completion, err := a.completionService()
	if err != nil {
		return err
	}
	embedder, err := a.embeddingService(m)
	if err != nil {
		return err
	}
	store, err := a.chunkStore(ctx)
	if err != nil {
		return err
	}
	sessions, err := a.sessionStore()
	if err != nil {
		return err
	}
	a.Sessions = sessions

	var interactions ports.InteractionLog
	if cfg.ChatLog.Enabled {
		db, err := a.sqliteDB()
		if err != nil {
			return err
		}
		cl, err := chatlog.NewSQLiteLog(db)
		if err != nil {
			return err
		}
		interactions = cl
	}

	mainModel, fastModel := llmModels(cfg.LLM)
	p := cfg.Pipeline

	rewriter := usecases.NewQueryRewriter(completion, fastModel, p.RewriteWindow, a.Logger.Named("rewriter"))

	routerOpts := []usecases.RouterOption{usecases.WithMaxSecondary(p.MaxSecondary)}
	if usecases.RouterMode(p.RouterMode) == usecases.RouterLLM {
		routerOpts = append(routerOpts, usecases.WithClassifier(completion, mainModel))
	}
	a.Router = usecases.NewChapterRouter(cat, a.Logger.Named("router"), routerOpts...)

	a.Retriever = usecases.NewVectorRetriever(embedder, store, p.TopK, a.Logger.Named("retriever"),
		usecases.WithQueryExpansion(p.ExpandQueries),
		usecases.WithSearchSecondary(p.SearchSecondary),
	)
	generator := usecases.NewAnswerGenerator(completion, mainModel, p.MaxSources, a.Logger.Named("generator"))

	deps := usecases.PipelineDeps{
		Sessions: sessions,
		ChatLog:  interactions,
		Logger:   a.Logger.Named("pipeline"),
	}
	if m != nil {
		deps.Metrics = m
	}
	a.Pipeline = usecases.NewPipeline(rewriter, a.Router, a.Retriever, generator, usecases.PipelineConfig{
		TopK:                   p.TopK,
		MinSimilarity:          p.MinSimilarity,
		LowConfidenceThreshold: p.LowConfidenceThreshold,
		HistoryTurns:           p.HistoryTurns,
		MaxQueryLength:         p.MaxQueryLength,
		ClassLevels:            p.ClassLevels,
		Languages:              p.Languages,
		RewriteTimeout:         p.RewriteTimeout,
		RouteTimeout:           p.RouteTimeout,
		RetrieveTimeout:        p.RetrieveTimeout,
		GenerateTimeout:        p.GenerateTimeout,
	}, deps)

	a.Importer = usecases.NewImportUseCase(store, cat, embedder, cfg.Embedding.Dimension, a.Logger.Named("import"))

	a.Logger.Info("coursetutor wired",
		zap.String("llm", cfg.LLM.Provider),
		zap.String("model", mainModel),
		zap.String("fast_model", fastModel),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.String("store", cfg.Store.Backend),
		zap.String("sessions", cfg.Session.Backend),
		zap.String("router", p.RouterMode))
	return nil
}

func (a *App) completionService() (ports.CompletionService, error) {
	cfg := a.Config.LLM
	caller := resilience.New("llm", cfg.Retry, a.Logger)
	a.health["llm"] = caller.State
	logger := a.Logger.Named("llm")

	switch cfg.Provider {
	case "ollama":
		return llm.NewOllamaLLMAdapter(cfg.BaseURL, cfg.Model, caller, logger), nil
	default:
		pool, err := openaicompat.NewPool(cfg.Provider, providerBaseURL(cfg.Provider, cfg.BaseURL), cfg.APIKeys, caller, logger)
		if err != nil {
			return nil, err
		}
		main, _ := llmModels(cfg)
		return llm.NewOpenAIAdapter(pool, main, logger), nil
	}
}

func (a *App) embeddingService(m *metrics.Pipeline) (ports.EmbeddingService, error) {
	cfg := a.Config.Embedding
	caller := resilience.New("embedding", cfg.Retry, a.Logger)
	a.health["embedding"] = caller.State
	logger := a.Logger.Named("embedding")
	model := embeddingModel(cfg)

	var inner ports.EmbeddingService
	switch cfg.Provider {
	case "openai":
		pool, err := openaicompat.NewPool("openai-embeddings", providerBaseURL("openai", cfg.BaseURL), cfg.APIKeys, caller, logger)
		if err != nil {
			return nil, err
		}
		inner = embedding.NewOpenAIAdapter(pool, model, cfg.Dimension, logger)
	default:
		inner = embedding.NewOllamaAdapter(cfg.BaseURL, model, cfg.Dimension, caller, logger)
	}

	var cache embedding.Cache
	switch cfg.Cache.Backend {
	case "memory":
		c, err := embedding.NewMemoryCache(cfg.Cache.Size)
		if err != nil {
			return nil, err
		}
		cache = c
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		cache = embedding.NewRedisCache(client, "", cfg.Cache.TTL)
	default:
		return inner, nil
	}

	var observe func(bool)
	if m != nil {
		observe = m.ObserveEmbeddingCache
	}
	return embedding.NewCachedEmbedder(inner, cache, model, observe, logger), nil
}

func (a *App) chunkStore(ctx context.Context) (chunkStore, error) {
	switch a.Config.Store.Backend {
	case "memory":
		return vectordb.NewInMemoryStore(), nil
	case "pgvector":
		s, err := vectordb.OpenPGVector(ctx, a.Config.Store.PostgresDSN, a.Config.Embedding.Dimension)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		db, err := a.sqliteDB()
		if err != nil {
			return nil, err
		}
		return vectordb.NewSQLiteStore(db)
	}
}

func (a *App) sessionStore() (ports.SessionStore, error) {
	if a.Config.Session.Backend == "memory" {
		return session.NewMemoryStore(a.Config.Session.MaxTurns), nil
	}
	db, err := a.sqliteDB()
	if err != nil {
		return nil, err
	}
	return session.NewSQLiteStore(db, a.Config.Session.MaxTurns)
}

// sqliteDB opens the shared database on first use.
func (a *App) sqliteDB() (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := sqlite.Open(a.Config.SQLite.Path)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// Server builds the HTTP server over the wired pipeline.
func (a *App) Server() *httpserver.Server {
	var gatherer prometheus.Gatherer
	if a.Registry != nil {
		gatherer = a.Registry
	}
	return httpserver.NewServer(a.Pipeline, a.Sessions, a.Catalog, httpserver.Scope{
		ClassLevels: a.Config.Pipeline.ClassLevels,
		Languages:   a.Config.Pipeline.Languages,
	}, gatherer, a.health, a.Config.Server.Addr, a.Logger.Named("http"))
}

// Serve runs the HTTP server, reloading the curriculum file on change when configured.
func (a *App) Serve(ctx context.Context) error {
	if a.Config.Catalog.Watch && a.Config.Catalog.Path != "" {
		w, err := filewatcher.NewFSNotifyWatcher(nil, a.Logger.Named("filewatcher"))
		if err != nil {
			return fmt.Errorf("creating curriculum watcher: %w", err)
		}
		defer w.Stop()
		if err := a.Catalog.Watch(ctx, w); err != nil {
			return err
		}
		a.Logger.Info("watching curriculum", zap.String("path", a.Config.Catalog.Path))
	}
	return a.Server().Start(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func providerBaseURL(provider, configured string) string {
	if configured != "" {
		return configured
	}
	if provider == "openai" {
		return openAIBaseURL
	}
	return openaicompat.GroqBaseURL
}

// llmModels resolves the answer model and the fast model used for rewriting.
func llmModels(cfg config.LLMConfig) (string, string) {
	var main, fast string
	switch cfg.Provider {
	case "ollama":
		main, fast = "llama3.2", "llama3.2"
	case "openai":
		main, fast = "gpt-4o", "gpt-4o-mini"
	default:
		main, fast = "llama-3.3-70b-versatile", "llama-3.1-8b-instant"
	}
	if cfg.Model != "" {
		main = cfg.Model
		fast = cfg.Model
	}
	if cfg.FastModel != "" {
		fast = cfg.FastModel
	}
	return main, fast
}

func embeddingModel(cfg config.EmbeddingConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	if cfg.Provider == "openai" {
		return "text-embedding-3-small"
	}
	return "nomic-embed-text"
}
