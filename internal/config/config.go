package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Guardrails Guardrails       `yaml:"guardrails" mapstructure:"guardrails"`
	Tiers      TiersConfig      `yaml:"tiers" mapstructure:"tiers"`
	Overpass   OverpassConfig   `yaml:"overpass" mapstructure:"overpass"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Voice      VoiceConfig      `yaml:"voice" mapstructure:"voice"`
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// Guardrails are the numeric limits enforced before and during dispatch.
// The struct is passed by value so a run cannot mutate another run's limits.
type Guardrails struct {
	CostCapCents           int64   `yaml:"cost_cap_cents" mapstructure:"cost_cap_cents"`
	EarlyWarningFraction   float64 `yaml:"early_warning_fraction" mapstructure:"early_warning_fraction"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	FailureRateMinAttempts int     `yaml:"failure_rate_min_attempts" mapstructure:"failure_rate_min_attempts"`
	DailyCallLimit         int     `yaml:"daily_call_limit" mapstructure:"daily_call_limit"`
	ConcurrentCalls        int     `yaml:"concurrent_calls" mapstructure:"concurrent_calls"`
	CallTimeoutMS          int     `yaml:"call_timeout_ms" mapstructure:"call_timeout_ms"`
	FetchTimeoutMS         int     `yaml:"fetch_timeout_ms" mapstructure:"fetch_timeout_ms"`
	MaxAttempts            int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	MinPromotionScore      float64 `yaml:"min_promotion_score" mapstructure:"min_promotion_score"`
	DiversityTarget        int     `yaml:"diversity_target" mapstructure:"diversity_target"`
}

// DefaultGuardrails returns the production limits.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		CostCapCents:           5000,
		EarlyWarningFraction:   0.10,
		FailureRateThreshold:   0.70,
		FailureRateMinAttempts: 10,
		DailyCallLimit:         500,
		ConcurrentCalls:        20,
		CallTimeoutMS:          180000,
		FetchTimeoutMS:         30000,
		MaxAttempts:            3,
		MinPromotionScore:      60,
		DiversityTarget:        3,
	}
}

// Validate rejects limits the engine cannot enforce.
func (g Guardrails) Validate() error {
	switch {
	case g.CostCapCents <= 0:
		return eris.New("config: guardrails.cost_cap_cents must be positive")
	case g.EarlyWarningFraction <= 0 || g.EarlyWarningFraction > 1:
		return eris.New("config: guardrails.early_warning_fraction must be in (0, 1]")
	case g.FailureRateThreshold <= 0 || g.FailureRateThreshold > 1:
		return eris.New("config: guardrails.failure_rate_threshold must be in (0, 1]")
	case g.ConcurrentCalls <= 0:
		return eris.New("config: guardrails.concurrent_calls must be positive")
	case g.CallTimeoutMS <= 0 || g.FetchTimeoutMS <= 0:
		return eris.New("config: guardrails timeouts must be positive")
	case g.MaxAttempts <= 0:
		return eris.New("config: guardrails.max_attempts must be positive")
	case g.MinPromotionScore < 0 || g.MinPromotionScore > 100:
		return eris.New("config: guardrails.min_promotion_score must be in [0, 100]")
	}
	return nil
}

// CallTimeout is the hard limit for a paid voice call.
func (g Guardrails) CallTimeout() time.Duration {
	return time.Duration(g.CallTimeoutMS) * time.Millisecond
}

// FetchTimeout is the hard limit for fetch-based tiers.
func (g Guardrails) FetchTimeout() time.Duration {
	return time.Duration(g.FetchTimeoutMS) * time.Millisecond
}

// BudgetCeilingCents is the spend a single tier call may reach before it
// must give up. fraction overrides EarlyWarningFraction when positive.
func (g Guardrails) BudgetCeilingCents(fraction float64) int64 {
	if fraction <= 0 {
		fraction = g.EarlyWarningFraction
	}
	return int64(float64(g.CostCapCents) * fraction)
}

// TierConfig tunes one tier worker.
type TierConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	TimeoutMS      int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	EstimatedCents int64   `yaml:"estimated_cents" mapstructure:"estimated_cents"`
	RatePerSec     float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
	BudgetFraction float64 `yaml:"budget_fraction" mapstructure:"budget_fraction"`
}

// TiersConfig holds per-tier settings.
type TiersConfig struct {
	Tier0 TierConfig `yaml:"tier0" mapstructure:"tier0"`
	Tier1 TierConfig `yaml:"tier1" mapstructure:"tier1"`
	Tier2 TierConfig `yaml:"tier2" mapstructure:"tier2"`
	Tier3 TierConfig `yaml:"tier3" mapstructure:"tier3"`
}

// ByTier returns the settings of tier n.
func (t TiersConfig) ByTier(n int) TierConfig {
	switch n {
	case 0:
		return t.Tier0
	case 1:
		return t.Tier1
	case 2:
		return t.Tier2
	case 3:
		return t.Tier3
	}
	return TierConfig{}
}

// OverpassConfig configures the OpenStreetMap lookup used by tier 0.
type OverpassConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	RadiusMeters  int    `yaml:"radius_meters" mapstructure:"radius_meters"`
	QueryTimeoutS int    `yaml:"query_timeout_secs" mapstructure:"query_timeout_secs"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// VoiceConfig holds the outbound call service settings.
type VoiceConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	FromNumber        string `yaml:"from_number" mapstructure:"from_number"`
	PollIntervalMS    int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxPollIntervalMS int    `yaml:"max_poll_interval_ms" mapstructure:"max_poll_interval_ms"`
}

// ScrapeConfig configures tier 2 page fetching. ReaderFallback re-reads
// pages that sit behind bot protection through the Jina reader.
type ScrapeConfig struct {
	UserAgent      string   `yaml:"user_agent" mapstructure:"user_agent"`
	MaxPages       int      `yaml:"max_pages" mapstructure:"max_pages"`
	MaxBodyKB      int      `yaml:"max_body_kb" mapstructure:"max_body_kb"`
	PathHints      []string `yaml:"path_hints" mapstructure:"path_hints"`
	ReaderFallback bool     `yaml:"reader_fallback" mapstructure:"reader_fallback"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// RedisConfig configures the shared daily call counter. Empty Addr falls
// back to counting from the attempt log.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// MonitoringConfig configures alerting.
type MonitoringConfig struct {
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WarningFraction   float64 `yaml:"warning_fraction" mapstructure:"warning_fraction"`
}

// CircuitConfig configures the per-tier circuit breakers.
type CircuitConfig struct {
	FailureThreshold  int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs  int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" mapstructure:"half_open_max_probes"`
}

// RetryConfig configures retries of provider HTTP calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// PricingConfig holds per-provider pricing rates in USD.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
	Voice      VoicePricing            `yaml:"voice" mapstructure:"voice"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// PerplexityPricing holds Perplexity pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// VoicePricing holds outbound call pricing.
type VoicePricing struct {
	PerMinute  float64 `yaml:"per_minute" mapstructure:"per_minute"`
	ConnectFee float64 `yaml:"connect_fee" mapstructure:"connect_fee"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REMEDIATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Guardrails.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	g := DefaultGuardrails()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "remediation.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("guardrails.cost_cap_cents", g.CostCapCents)
	v.SetDefault("guardrails.early_warning_fraction", g.EarlyWarningFraction)
	v.SetDefault("guardrails.failure_rate_threshold", g.FailureRateThreshold)
	v.SetDefault("guardrails.failure_rate_min_attempts", g.FailureRateMinAttempts)
	v.SetDefault("guardrails.daily_call_limit", g.DailyCallLimit)
	v.SetDefault("guardrails.concurrent_calls", g.ConcurrentCalls)
	v.SetDefault("guardrails.call_timeout_ms", g.CallTimeoutMS)
	v.SetDefault("guardrails.fetch_timeout_ms", g.FetchTimeoutMS)
	v.SetDefault("guardrails.max_attempts", g.MaxAttempts)
	v.SetDefault("guardrails.min_promotion_score", g.MinPromotionScore)
	v.SetDefault("guardrails.diversity_target", g.DiversityTarget)

	v.SetDefault("tiers.tier0.enabled", true)
	v.SetDefault("tiers.tier0.rate_per_sec", 1.0)
	v.SetDefault("tiers.tier0.burst", 2)
	v.SetDefault("tiers.tier1.enabled", true)
	v.SetDefault("tiers.tier1.estimated_cents", 1)
	v.SetDefault("tiers.tier1.rate_per_sec", 2.0)
	v.SetDefault("tiers.tier1.burst", 4)
	v.SetDefault("tiers.tier2.enabled", true)
	v.SetDefault("tiers.tier2.rate_per_sec", 5.0)
	v.SetDefault("tiers.tier2.burst", 10)
	v.SetDefault("tiers.tier3.enabled", true)
	v.SetDefault("tiers.tier3.estimated_cents", 150)
	v.SetDefault("tiers.tier3.rate_per_sec", 0.5)
	v.SetDefault("tiers.tier3.burst", 1)

	v.SetDefault("overpass.base_url", "https://overpass-api.de/api/interpreter")
	v.SetDefault("overpass.radius_meters", 250)
	v.SetDefault("overpass.query_timeout_secs", 25)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("voice.poll_interval_ms", 2000)
	v.SetDefault("voice.max_poll_interval_ms", 15000)
	v.SetDefault("scrape.user_agent", "Mozilla/5.0 (compatible; RateRemediator/1.0)")
	v.SetDefault("scrape.max_pages", 4)
	v.SetDefault("scrape.max_body_kb", 512)
	v.SetDefault("scrape.path_hints", []string{"price", "pricing", "rates", "units", "sizes", "rent", "storage-units"})
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("redis.key_prefix", "remediation")
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.warning_fraction", 0.8)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("circuit.half_open_max_probes", 1)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("pricing.voice.per_minute", 0.35)
	v.SetDefault("pricing.voice.connect_fee", 0.05)
	v.SetDefault("pricing.anthropic", map[string]any{
		"claude-haiku-4-5-20251001":  map[string]any{"input": 0.80, "output": 4.00},
		"claude-sonnet-4-5-20250929": map[string]any{"input": 3.00, "output": 15.00},
	})
}

// Validate checks the settings a command needs before it starts.
// mode is one of "serve" or "dispatch"; other modes only check the store.
func (c *Config) Validate(mode string) error {
	var problems []string
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
	case "dispatch":
		if c.Voice.BaseURL != "" && c.Voice.Key == "" {
			problems = append(problems, "voice.key is required when voice.base_url is set")
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
