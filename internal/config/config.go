// Package config loads service settings from file, environment and .env.
// Precedence: flags > COURSETUTOR_* env > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/0xcro3dile/coursetutor-go/internal/adapters/resilience"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Store     StoreConfig     `mapstructure:"store"`
	Session   SessionConfig   `mapstructure:"session"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	ChatLog   ChatLogConfig   `mapstructure:"chatlog"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type LLMConfig struct {
	Provider string   `mapstructure:"provider"` // groq | openai | ollama
	BaseURL  string   `mapstructure:"base_url"`
	APIKeys  []string `mapstructure:"api_keys"`
	// Empty models take the provider's default.
	Model     string            `mapstructure:"model"`
	FastModel string            `mapstructure:"fast_model"`
	Retry     resilience.Policy `mapstructure:"retry"`
}

type EmbeddingConfig struct {
	Provider  string            `mapstructure:"provider"` // ollama | openai
	BaseURL   string            `mapstructure:"base_url"`
	APIKeys   []string          `mapstructure:"api_keys"`
	Model     string            `mapstructure:"model"`
	Dimension int               `mapstructure:"dimension"`
	Cache     CacheConfig       `mapstructure:"cache"`
	Retry     resilience.Policy `mapstructure:"retry"`
}

type CacheConfig struct {
	Backend       string        `mapstructure:"backend"` // none | memory | redis
	Size          int           `mapstructure:"size"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend"` // memory | sqlite | pgvector
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type SessionConfig struct {
	Backend  string `mapstructure:"backend"` // memory | sqlite
	MaxTurns int    `mapstructure:"max_turns"`
}

type PipelineConfig struct {
	TopK                   int           `mapstructure:"top_k"`
	MinSimilarity          float64       `mapstructure:"min_similarity"`
	LowConfidenceThreshold float64       `mapstructure:"low_confidence_threshold"`
	HistoryTurns           int           `mapstructure:"history_turns"`
	RewriteWindow          int           `mapstructure:"rewrite_window"`
	MaxQueryLength         int           `mapstructure:"max_query_length"`
	MaxSources             int           `mapstructure:"max_sources"`
	MaxSecondary           int           `mapstructure:"max_secondary"`
	SearchSecondary        int           `mapstructure:"search_secondary"`
	RouterMode             string        `mapstructure:"router_mode"` // lexical | llm
	ExpandQueries          bool          `mapstructure:"expand_queries"`
	ClassLevels            []int         `mapstructure:"class_levels"`
	Languages              []string      `mapstructure:"languages"`
	RewriteTimeout         time.Duration `mapstructure:"rewrite_timeout"`
	RouteTimeout           time.Duration `mapstructure:"route_timeout"`
	RetrieveTimeout        time.Duration `mapstructure:"retrieve_timeout"`
	GenerateTimeout        time.Duration `mapstructure:"generate_timeout"`
}

type CatalogConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type ChatLogConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// Default mirrors the settings the tutor shipped with.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "json"},
		LLM: LLMConfig{
			Provider: "groq",
			Retry:    resilience.DefaultPolicy(),
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Dimension: 768,
			Cache:     CacheConfig{Backend: "memory", Size: 1024, TTL: 24 * time.Hour},
			Retry:     resilience.DefaultPolicy(),
		},
		Store:   StoreConfig{Backend: "sqlite"},
		Session: SessionConfig{Backend: "sqlite", MaxTurns: 10},
		Pipeline: PipelineConfig{
			TopK:                   5,
			MinSimilarity:          0.5,
			LowConfidenceThreshold: 0.5,
			HistoryTurns:           10,
			RewriteWindow:          4,
			MaxQueryLength:         2000,
			MaxSources:             3,
			MaxSecondary:           2,
			SearchSecondary:        1,
			RouterMode:             "lexical",
			ExpandQueries:          false,
			ClassLevels:            []int{9, 10, 11},
			Languages:              []string{"en", "ur", "ur-roman"},
			RewriteTimeout:         10 * time.Second,
			RouteTimeout:           10 * time.Second,
			RetrieveTimeout:        15 * time.Second,
			GenerateTimeout:        60 * time.Second,
		},
		Catalog: CatalogConfig{Watch: true},
		ChatLog: ChatLogConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
		SQLite:  SQLiteConfig{Path: "./data/coursetutor.db"},
	}
}

// Load reads .env, then path (or config/coursetutor.yaml when path is empty), then COURSETUTOR_* env vars.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper so CLI flags bound to v take precedence.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	setDefaults(v, Default())
	v.SetEnvPrefix("COURSETUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("coursetutor")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyProviderEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyProviderEnv accepts the provider's own key variables when no keys are configured.
func (c *Config) applyProviderEnv() {
	if len(c.LLM.APIKeys) == 0 {
		switch c.LLM.Provider {
		case "groq":
			c.LLM.APIKeys = splitKeys(os.Getenv("GROQ_API_KEYS"), os.Getenv("GROQ_API_KEY"))
		case "openai":
			c.LLM.APIKeys = splitKeys(os.Getenv("OPENAI_API_KEY"))
		}
	}
	if len(c.Embedding.APIKeys) == 0 && c.Embedding.Provider == "openai" {
		c.Embedding.APIKeys = splitKeys(os.Getenv("OPENAI_API_KEY"))
	}
}

func splitKeys(values ...string) []string {
	var keys []string
	for _, v := range values {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.LLM.Provider {
	case "groq", "openai":
		if len(c.LLM.APIKeys) == 0 {
			add("llm.api_keys required for provider %q", c.LLM.Provider)
		}
	case "ollama":
	default:
		add("llm.provider %q unknown (groq, openai, ollama)", c.LLM.Provider)
	}

	switch c.Embedding.Provider {
	case "openai":
		if len(c.Embedding.APIKeys) == 0 {
			add("embedding.api_keys required for provider openai")
		}
	case "ollama":
	default:
		add("embedding.provider %q unknown (ollama, openai)", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		add("embedding.dimension must be positive")
	}
	switch c.Embedding.Cache.Backend {
	case "none", "memory":
	case "redis":
		if c.Embedding.Cache.RedisAddr == "" {
			add("embedding.cache.redis_addr required for redis cache")
		}
	default:
		add("embedding.cache.backend %q unknown (none, memory, redis)", c.Embedding.Cache.Backend)
	}

	switch c.Store.Backend {
	case "memory", "sqlite":
	case "pgvector":
		if c.Store.PostgresDSN == "" {
			add("store.postgres_dsn required for pgvector")
		}
	default:
		add("store.backend %q unknown (memory, sqlite, pgvector)", c.Store.Backend)
	}
	if c.Session.Backend != "memory" && c.Session.Backend != "sqlite" {
		add("session.backend %q unknown (memory, sqlite)", c.Session.Backend)
	}
	if c.Session.MaxTurns <= 0 {
		add("session.max_turns must be positive")
	}

	p := c.Pipeline
	if p.TopK <= 0 {
		add("pipeline.top_k must be positive")
	}
	if p.MinSimilarity < 0 || p.MinSimilarity > 1 {
		add("pipeline.min_similarity must be within [0,1]")
	}
	if p.LowConfidenceThreshold < 0 || p.LowConfidenceThreshold > 1 {
		add("pipeline.low_confidence_threshold must be within [0,1]")
	}
	if p.HistoryTurns > c.Session.MaxTurns {
		add("pipeline.history_turns cannot exceed session.max_turns")
	}
	if p.MaxSecondary < 0 || p.MaxSecondary > 3 {
		add("pipeline.max_secondary must be within [0,3]")
	}
	if p.RouterMode != "lexical" && p.RouterMode != "llm" {
		add("pipeline.router_mode %q unknown (lexical, llm)", p.RouterMode)
	}
	if len(p.ClassLevels) == 0 || len(p.Languages) == 0 {
		add("pipeline.class_levels and pipeline.languages cannot be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_keys", append([]string{}, d.LLM.APIKeys...))
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.fast_model", d.LLM.FastModel)
	setPolicyDefaults(v, "llm.retry", d.LLM.Retry)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.api_keys", append([]string{}, d.Embedding.APIKeys...))
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimension", d.Embedding.Dimension)
	v.SetDefault("embedding.cache.backend", d.Embedding.Cache.Backend)
	v.SetDefault("embedding.cache.size", d.Embedding.Cache.Size)
	v.SetDefault("embedding.cache.redis_addr", d.Embedding.Cache.RedisAddr)
	v.SetDefault("embedding.cache.redis_password", d.Embedding.Cache.RedisPassword)
	v.SetDefault("embedding.cache.redis_db", d.Embedding.Cache.RedisDB)
	v.SetDefault("embedding.cache.ttl", d.Embedding.Cache.TTL)
	setPolicyDefaults(v, "embedding.retry", d.Embedding.Retry)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.postgres_dsn", d.Store.PostgresDSN)
	v.SetDefault("session.backend", d.Session.Backend)
	v.SetDefault("session.max_turns", d.Session.MaxTurns)

	p := d.Pipeline
	v.SetDefault("pipeline.top_k", p.TopK)
	v.SetDefault("pipeline.min_similarity", p.MinSimilarity)
	v.SetDefault("pipeline.low_confidence_threshold", p.LowConfidenceThreshold)
	v.SetDefault("pipeline.history_turns", p.HistoryTurns)
	v.SetDefault("pipeline.rewrite_window", p.RewriteWindow)
	v.SetDefault("pipeline.max_query_length", p.MaxQueryLength)
	v.SetDefault("pipeline.max_sources", p.MaxSources)
	v.SetDefault("pipeline.max_secondary", p.MaxSecondary)
	v.SetDefault("pipeline.search_secondary", p.SearchSecondary)
	v.SetDefault("pipeline.router_mode", p.RouterMode)
	v.SetDefault("pipeline.expand_queries", p.ExpandQueries)
	v.SetDefault("pipeline.class_levels", p.ClassLevels)
	v.SetDefault("pipeline.languages", p.Languages)
	v.SetDefault("pipeline.rewrite_timeout", p.RewriteTimeout)
	v.SetDefault("pipeline.route_timeout", p.RouteTimeout)
	v.SetDefault("pipeline.retrieve_timeout", p.RetrieveTimeout)
	v.SetDefault("pipeline.generate_timeout", p.GenerateTimeout)

	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.watch", d.Catalog.Watch)
	v.SetDefault("chatlog.enabled", d.ChatLog.Enabled)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("sqlite.path", d.SQLite.Path)
}

func setPolicyDefaults(v *viper.Viper, prefix string, p resilience.Policy) {
	v.SetDefault(prefix+".max_retries", p.MaxRetries)
	v.SetDefault(prefix+".initial_interval", p.InitialInterval)
	v.SetDefault(prefix+".max_interval", p.MaxInterval)
	v.SetDefault(prefix+".attempt_timeout", p.AttemptTimeout)
	v.SetDefault(prefix+".rate_per_second", p.RatePerSecond)
	v.SetDefault(prefix+".burst", p.Burst)
	v.SetDefault(prefix+".breaker_failures", p.BreakerFailures)
	v.SetDefault(prefix+".breaker_cooldown", p.BreakerCooldown)
}
