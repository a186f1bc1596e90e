package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/smartrouter/smartrouter/internal/router"
)

// Config is the environment-driven runtime configuration. Channel and
// provider definitions live in the YAML channels file, not here; pools of
// keyed endpoints do not fit in env vars.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN        string
	ChannelsFile string

	VaultEnabled bool

	// Routing.
	DefaultStrategy string
	MaxAttempts     int
	CacheTTLSecs    int
	CacheMaxEntries int

	// Cost estimation: "approx" (chars/2.5) or "exact" (tiktoken when the
	// model maps to a known encoding).
	Tokenizer string

	ProviderTimeoutSecs int

	// Discovery.
	DiscoveryIntervalSecs int
	DiscoveryWorkers      int
	DiscoveryCacheDir     string

	// Security & hardening.
	APIToken       string   // static bearer token for the data plane; empty = open or API-key auth
	AdminToken     string   // overrides the generated/persisted admin token
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	IdempotencyTTLSecs int

	// Tracing.
	TracingEnabled  bool
	TracingEndpoint string

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:   getEnv("SMARTROUTER_LISTEN_ADDR", ":7601"),
		LogLevel:     getEnv("SMARTROUTER_LOG_LEVEL", "info"),
		DBDSN:        getEnv("SMARTROUTER_DB_DSN", "file:/data/smartrouter.sqlite"),
		ChannelsFile: getEnv("SMARTROUTER_CHANNELS_FILE", "channels.yaml"),
		VaultEnabled: getEnvBool("SMARTROUTER_VAULT_ENABLED", false),

		DefaultStrategy: getEnv("SMARTROUTER_DEFAULT_STRATEGY", router.StrategyFreeFirst),
		MaxAttempts:     getEnvInt("SMARTROUTER_MAX_ATTEMPTS", 3),
		CacheTTLSecs:    getEnvInt("SMARTROUTER_CACHE_TTL_SECS", 60),
		CacheMaxEntries: getEnvInt("SMARTROUTER_CACHE_MAX_ENTRIES", 10000),

		Tokenizer: getEnv("SMARTROUTER_TOKENIZER", "approx"),

		ProviderTimeoutSecs: getEnvInt("SMARTROUTER_PROVIDER_TIMEOUT_SECS", 120),

		DiscoveryIntervalSecs: getEnvInt("SMARTROUTER_DISCOVERY_INTERVAL_SECS", 21600),
		DiscoveryWorkers:      getEnvInt("SMARTROUTER_DISCOVERY_WORKERS", 8),
		DiscoveryCacheDir:     getEnv("SMARTROUTER_DISCOVERY_CACHE_DIR", ""),

		APIToken:       getEnv("SMARTROUTER_API_TOKEN", ""),
		AdminToken:     getEnv("SMARTROUTER_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("SMARTROUTER_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("SMARTROUTER_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("SMARTROUTER_RATE_LIMIT_BURST", 120),

		IdempotencyTTLSecs: getEnvInt("SMARTROUTER_IDEMPOTENCY_TTL_SECS", 600),

		TracingEnabled:  getEnvBool("SMARTROUTER_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("SMARTROUTER_TRACING_ENDPOINT", "localhost:4318"),

		TemporalEnabled:   getEnvBool("SMARTROUTER_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("SMARTROUTER_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("SMARTROUTER_TEMPORAL_NAMESPACE", "smartrouter"),
		TemporalTaskQueue: getEnv("SMARTROUTER_TEMPORAL_TASK_QUEUE", "smartrouter-tasks"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if !router.ValidStrategy(c.DefaultStrategy) {
		return fmt.Errorf("SMARTROUTER_DEFAULT_STRATEGY %q is not a known strategy", c.DefaultStrategy)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("SMARTROUTER_MAX_ATTEMPTS must be > 0, got %d", c.MaxAttempts)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("SMARTROUTER_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("SMARTROUTER_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("SMARTROUTER_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.CacheTTLSecs <= 0 {
		return fmt.Errorf("SMARTROUTER_CACHE_TTL_SECS must be > 0, got %d", c.CacheTTLSecs)
	}
	if c.Tokenizer != "approx" && c.Tokenizer != "exact" {
		return fmt.Errorf("SMARTROUTER_TOKENIZER must be approx or exact, got %q", c.Tokenizer)
	}
	return nil
}

// ChannelsConfig is the YAML channels file: the provider table plus the
// channel pool. Reloaded on SIGHUP.
type ChannelsConfig struct {
	Providers []router.Provider `yaml:"providers"`
	Channels  []router.Channel  `yaml:"channels"`
}

// LoadChannelsFile reads and validates the channels file. A missing file is
// not an error; the gateway starts with an empty pool and channels arrive
// via reload.
func LoadChannelsFile(path string) (ChannelsConfig, error) {
	var cc ChannelsConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cc, nil
		}
		return cc, fmt.Errorf("read channels file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return cc, fmt.Errorf("parse channels file: %w", err)
	}
	if err := cc.Validate(); err != nil {
		return cc, err
	}
	return cc, nil
}

// Validate enforces referential integrity between channels and providers.
func (cc ChannelsConfig) Validate() error {
	providers := make(map[string]bool, len(cc.Providers))
	for i, p := range cc.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		switch p.Adapter {
		case "openai", "anthropic", "gemini", "local":
		default:
			return fmt.Errorf("provider %q: unknown adapter %q", p.ID, p.Adapter)
		}
		if providers[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		providers[p.ID] = true
	}
	seen := make(map[string]bool, len(cc.Channels))
	for i, ch := range cc.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = true
		if !providers[ch.Provider] {
			return fmt.Errorf("channel %q: unknown provider %q", ch.ID, ch.Provider)
		}
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
