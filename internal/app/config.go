package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	DefaultMode         string
	DefaultMaxBudget    float64
	DefaultMaxLatencyMs int
	ExplorationTemp     float64 // Thompson Sampling temperature; 0 = sampler default

	ProviderTimeoutSecs int

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool   // LLMHIVE_OTEL_ENABLED, default false
	OTelEndpoint    string // LLMHIVE_OTEL_ENDPOINT, default "localhost:4318"
	OTelServiceName string // LLMHIVE_OTEL_SERVICE_NAME, default "llmhive"

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// External credentials file (~/.netrc analogue for provider tokens).
	CredentialsFile string // LLMHIVE_CREDENTIALS_FILE, default ~/.llmhive/credentials

	// Background pricing refresh (polls a LiteLLM-format pricing JSON URL).
	PricingRefreshEnabled      bool
	PricingRefreshIntervalSecs int

	// Shared backend rate limiting. Empty RedisAddr keeps the in-process
	// token bucket limiter; set it to point every router instance in a
	// fleet at the same provider-side RPM ceiling.
	RedisAddr string // LLMHIVE_REDIS_ADDR, e.g. "localhost:6379"

	// Graceful shutdown drain window, in seconds.
	ShutdownDrainSecs int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("LLMHIVE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("LLMHIVE_LOG_LEVEL", "info"),
		DBDSN:      getEnv("LLMHIVE_DB_DSN", "file:/data/llmhive.sqlite"),
		VaultEnabled:  getEnvBool("LLMHIVE_VAULT_ENABLED", true),
		VaultPassword: getEnv("LLMHIVE_VAULT_PASSWORD", ""),

		DefaultMode: getEnv("LLMHIVE_DEFAULT_MODE", "normal"),
		DefaultMaxBudget: getEnvFloat("LLMHIVE_DEFAULT_MAX_BUDGET_USD", 0.05),
		DefaultMaxLatencyMs: getEnvInt("LLMHIVE_DEFAULT_MAX_LATENCY_MS", 20000),
		ExplorationTemp: getEnvFloat("LLMHIVE_EXPLORATION_TEMP", 1.0),

		ProviderTimeoutSecs: getEnvInt("LLMHIVE_PROVIDER_TIMEOUT_SECS", 30),

		AdminToken:     getEnv("LLMHIVE_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("LLMHIVE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("LLMHIVE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("LLMHIVE_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("LLMHIVE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("LLMHIVE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("LLMHIVE_OTEL_SERVICE_NAME", "llmhive"),

		TemporalEnabled:   getEnvBool("LLMHIVE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("LLMHIVE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("LLMHIVE_TEMPORAL_NAMESPACE", "llmhive"),
		TemporalTaskQueue: getEnv("LLMHIVE_TEMPORAL_TASK_QUEUE", "llmhive-tasks"),

		CredentialsFile: getEnv("LLMHIVE_CREDENTIALS_FILE", defaultCredentialsPath()),

		PricingRefreshEnabled:      getEnvBool("LLMHIVE_PRICING_REFRESH_ENABLED", false),
		PricingRefreshIntervalSecs: getEnvInt("LLMHIVE_PRICING_REFRESH_INTERVAL_SECS", 3600),

		RedisAddr: getEnv("LLMHIVE_REDIS_ADDR", ""),

		ShutdownDrainSecs: getEnvInt("LLMHIVE_SHUTDOWN_DRAIN_SECS", 30),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("LLMHIVE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("LLMHIVE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("LLMHIVE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.DefaultMaxBudget < 0 {
		return fmt.Errorf("LLMHIVE_DEFAULT_MAX_BUDGET_USD must be >= 0, got %f", c.DefaultMaxBudget)
	}
	if c.DefaultMaxLatencyMs <= 0 {
		return fmt.Errorf("LLMHIVE_DEFAULT_MAX_LATENCY_MS must be > 0, got %d", c.DefaultMaxLatencyMs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

func defaultCredentialsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".llmhive", "credentials")
	}
	return ""
}
