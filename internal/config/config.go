// Package config loads echo settings from defaults, an optional YAML file,
// .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/FranksOps/echo/internal/fingerprint"
	"github.com/FranksOps/echo/internal/social"
)

// EnvPrefix prefixes every environment override, e.g. ECHO_LLM_MODEL.
const EnvPrefix = "ECHO"

var (
	ErrMissingModel   = errors.New("config: llm.model is required when llm.api_key is set")
	ErrInvalidBackend = errors.New("config: cache.backend must be memory, sqlite, postgres or redis")
	ErrMissingDSN     = errors.New("config: cache.dsn is required for a persistent cache backend")
	ErrInvalidRange   = errors.New("config: unknown intent.default_time_range")
	ErrSourceTimeout  = errors.New("config: sources.timeout must be between 1s and 10s")
	ErrInvalidFormat  = errors.New("config: log.format must be text or json")
	ErrInvalidLevel   = errors.New("config: log.level must be debug, info, warn or error")
)

// Config is the complete application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Intent   IntentConfig   `mapstructure:"intent"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Rerank   RerankConfig   `mapstructure:"rerank"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Reddit   RedditConfig   `mapstructure:"reddit"`
	Twitter  TwitterConfig  `mapstructure:"twitter"`
	Serper   SerperConfig   `mapstructure:"serper"`
	Enhance  EnhanceConfig  `mapstructure:"enhance"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Server   ServerConfig   `mapstructure:"server"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PipelineConfig struct {
	Deadline time.Duration `mapstructure:"deadline"`
}

type IntentConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	DefaultTimeRange string        `mapstructure:"default_time_range"`
}

// LLMConfig configures the chat-completions client. Without an API key the
// model-backed capabilities are disabled and their defaults apply.
type LLMConfig struct {
	Provider   string        `mapstructure:"provider"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	APIURL     string        `mapstructure:"api_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// RerankConfig selects a rerank API for relevance. Empty provider keeps the
// language-model scorer.
type RerankConfig struct {
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	APIURL   string        `mapstructure:"api_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SourcesConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	PerSourceLimit    int           `mapstructure:"per_source_limit"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Jitter            float64       `mapstructure:"jitter"`
	UserAgent         string        `mapstructure:"user_agent"`
	Fingerprint       string        `mapstructure:"fingerprint"`
	Proxies           []string      `mapstructure:"proxies"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	DuckDuckGoURL     string        `mapstructure:"duckduckgo_url"`
	// BreakerThreshold failures in a row open a strategy's circuit for
	// BreakerDelay. A negative threshold disables breakers.
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerDelay     time.Duration `mapstructure:"breaker_delay"`
}

type RedditConfig struct {
	SearchURL    string `mapstructure:"search_url"`
	PushshiftURL string `mapstructure:"pushshift_url"`
	ScrapeURL    string `mapstructure:"scrape_url"`
}

type TwitterConfig struct {
	APIURL      string `mapstructure:"api_url"`
	BearerToken string `mapstructure:"bearer_token"`
	NitterURL   string `mapstructure:"nitter_url"`
}

type SerperConfig struct {
	APIKey string `mapstructure:"api_key"`
	APIURL string `mapstructure:"api_url"`
}

type EnhanceConfig struct {
	MinContentLength int           `mapstructure:"min_content_length"`
	MinWords         int           `mapstructure:"min_words"`
	Concurrency      int           `mapstructure:"concurrency"`
	MaxResults       int           `mapstructure:"max_results"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// CacheConfig configures the results cache. Backend memory keeps results in
// process only.
type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Backend       string        `mapstructure:"backend"`
	DSN           string        `mapstructure:"dsn"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MetricsPort, when set, also serves /metrics on its own listener.
	MetricsPort int `mapstructure:"metrics_port"`
	// RequestsPerMinute caps queries per client IP; negative disables it.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// aliases binds the variable names used by earlier deployments.
var aliases = map[string][]string{
	"llm.api_key":          {"FIREWORKS_API_KEY"},
	"llm.model":            {"FIREWORKS_MODEL_ID"},
	"serper.api_key":       {"SERPER_API_KEY"},
	"rerank.api_key":       {"JINA_AI_API_KEY"},
	"twitter.bearer_token": {"TWITTER_BEARER_TOKEN"},
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("pipeline.deadline", 45*time.Second)

	v.SetDefault("intent.timeout", 8*time.Second)
	v.SetDefault("intent.default_time_range", string(social.DefaultTimeRange))

	// Keys without a real default are still registered so Unmarshal sees
	// their environment overrides.
	for _, key := range []string{
		"llm.model", "llm.api_key", "llm.api_url",
		"rerank.provider", "rerank.model", "rerank.api_key", "rerank.api_url",
		"sources.user_agent", "sources.duckduckgo_url",
		"reddit.search_url", "reddit.pushshift_url", "reddit.scrape_url",
		"twitter.api_url", "twitter.bearer_token", "twitter.nitter_url",
		"serper.api_key", "serper.api_url",
		"cache.dsn",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("sources.proxies", []string{})
	v.SetDefault("cache.sweep_interval", time.Duration(0))

	v.SetDefault("llm.provider", "fireworks")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.max_retries", 2)

	v.SetDefault("rerank.timeout", 15*time.Second)

	v.SetDefault("sources.timeout", 6*time.Second)
	v.SetDefault("sources.per_source_limit", 25)
	v.SetDefault("sources.requests_per_second", 2.0)
	v.SetDefault("sources.jitter", 0.2)
	v.SetDefault("sources.fingerprint", string(fingerprint.ProfileChrome))
	v.SetDefault("sources.respect_robots", true)
	v.SetDefault("sources.breaker_threshold", 5)
	v.SetDefault("sources.breaker_delay", time.Minute)

	v.SetDefault("enhance.min_content_length", 20)
	v.SetDefault("enhance.min_words", 3)
	v.SetDefault("enhance.concurrency", 5)
	v.SetDefault("enhance.max_results", 10)
	v.SetDefault("enhance.call_timeout", 10*time.Second)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.backend", "memory")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.metrics_port", 0)
	v.SetDefault("server.requests_per_minute", 60)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range aliases {
		// The prefixed name wins over the legacy one.
		env := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		_ = v.BindEnv(append([]string{key}, env...)...)
	}
	return v
}

// LoadDotEnv loads .env files from the working directory without overriding
// variables already set in the process environment.
func LoadDotEnv(logger *slog.Logger, files ...string) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(files) == 0 {
		files = []string{".env"}
	}
	var loaded []string
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			logger.Warn("failed to load env file", "file", file, "err", err)
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) > 0 {
		logger.Debug("loaded env files", "files", strings.Join(loaded, ", "))
	}
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ErrInvalidLevel)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, ErrInvalidFormat)
	}

	if c.LLM.APIKey != "" && c.LLM.Model == "" {
		errs = append(errs, ErrMissingModel)
	}
	if _, ok := social.ParseTimeRange(c.Intent.DefaultTimeRange); !ok {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidRange, c.Intent.DefaultTimeRange))
	}
	if c.Sources.Timeout < time.Second || c.Sources.Timeout > 10*time.Second {
		errs = append(errs, ErrSourceTimeout)
	}
	if _, err := fingerprint.ParseProfile(c.Sources.Fingerprint); err != nil {
		errs = append(errs, err)
	}

	switch c.Cache.Backend {
	case "", "memory":
	case "sqlite", "postgres", "redis":
		if c.Cache.DSN == "" {
			errs = append(errs, ErrMissingDSN)
		}
	default:
		errs = append(errs, ErrInvalidBackend)
	}

	return errors.Join(errs...)
}

// SlogLevel maps Level onto slog.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger from c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
