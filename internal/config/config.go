package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	internalsettings "github.com/linkedai/assist-backend/internal/settings"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath         = "CONFIG_PATH"
	EnvDBConnection       = "DB_CONNECTION"
	EnvSupabaseURL        = "SUPABASE_URL"
	EnvSupabaseServiceKey = "SUPABASE_SERVICE_KEY"
	EnvSupabaseJWTSecret  = "SUPABASE_JWT_SECRET"
	EnvAnthropicAPIKey    = "ANTHROPIC_API_KEY"
	EnvStripeWebhookKey   = "STRIPE_WEBHOOK_SECRET"
	EnvPostHogAPIKey      = "POSTHOG_API_KEY"
	EnvPostHogHost        = "POSTHOG_HOST"
	EnvOwnKeySecret       = "OWN_KEY_SECRET"
	EnvRedisAddr          = "REDIS_ADDR"
	EnvPort               = "PORT"
	EnvAdminToken         = "ADMIN_TOKEN"
)

// Identity resolver modes.
const (
	IdentityModeJWT    = "jwt"
	IdentityModeRemote = "remote"
)

// Ledger backends.
const (
	LedgerBackendSQL    = "sql"
	LedgerBackendRedis  = "redis"
	LedgerBackendMemory = "memory"
)

const (
	defaultPort             = 8318
	defaultIdentityTimeout  = 5 * time.Second
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicTimeout = 60 * time.Second
	defaultPostHogHost      = "https://us.i.posthog.com"
	defaultCacheTTL         = internalsettings.DefaultCacheTTL
	defaultRedisPrefix      = "assist:usage"
	defaultLogLevel         = "info"
)

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// ErrConfigurationMissing indicates a required setting is absent.
var ErrConfigurationMissing = errors.New("configuration missing")

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// IdentityConfig selects and configures the identity resolver.
type IdentityConfig struct {
	Mode               string        `yaml:"mode"`
	JWTSecret          string        `yaml:"jwt-secret"`
	JWKSURL            string        `yaml:"jwks-url"`
	Issuer             string        `yaml:"issuer"`
	Audience           string        `yaml:"audience"`
	SupabaseURL        string        `yaml:"supabase-url"`
	SupabaseServiceKey string        `yaml:"supabase-service-key"`
	Timeout            time.Duration `yaml:"timeout"`
}

// AnthropicConfig holds the platform credential for the upstream model API.
type AnthropicConfig struct {
	APIKey  string        `yaml:"api-key"`
	BaseURL string        `yaml:"base-url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StripeConfig holds payment webhook settings.
type StripeConfig struct {
	WebhookSecret string `yaml:"webhook-secret"`
}

// PostHogConfig holds telemetry settings. An empty key disables capture.
type PostHogConfig struct {
	APIKey string `yaml:"api-key"`
	Host   string `yaml:"host"`
}

// LedgerConfig selects the usage ledger backend.
type LedgerConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the ledger.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CacheConfig holds TTLs for the tier and quota caches.
type CacheConfig struct {
	SubscriptionTTL time.Duration `yaml:"subscription-ttl"`
	QuotaTTL        time.Duration `yaml:"quota-ttl"`
}

// SecurityConfig holds secrets used at rest.
type SecurityConfig struct {
	OwnKeySecret string `yaml:"own-key-secret"`
}

// LoggingConfig controls logrus output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminConfig enables the operator API when Token is set.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// Config is the full server configuration.
type Config struct {
	Port        int    `yaml:"port"`
	DatabaseDSN string `yaml:"database-dsn"`
	Database    struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Identity  IdentityConfig  `yaml:"identity"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Stripe    StripeConfig    `yaml:"stripe"`
	PostHog   PostHogConfig   `yaml:"posthog"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Cache     CacheConfig     `yaml:"cache"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Admin     AdminConfig     `yaml:"admin"`
}

// DSN returns the resolved database DSN.
func (c *Config) DSN() string {
	if c == nil {
		return ""
	}
	if dsn := strings.TrimSpace(c.DatabaseDSN); dsn != "" {
		return dsn
	}
	return strings.TrimSpace(c.Database.DSN)
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// Load reads the YAML config file (optional), applies environment overrides and defaults.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", errRead)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.DatabaseDSN, EnvDBConnection)
	override(&cfg.Identity.SupabaseURL, EnvSupabaseURL)
	override(&cfg.Identity.SupabaseServiceKey, EnvSupabaseServiceKey)
	override(&cfg.Identity.JWTSecret, EnvSupabaseJWTSecret)
	override(&cfg.Anthropic.APIKey, EnvAnthropicAPIKey)
	override(&cfg.Stripe.WebhookSecret, EnvStripeWebhookKey)
	override(&cfg.PostHog.APIKey, EnvPostHogAPIKey)
	override(&cfg.PostHog.Host, EnvPostHogHost)
	override(&cfg.Security.OwnKeySecret, EnvOwnKeySecret)
	override(&cfg.Ledger.Redis.Addr, EnvRedisAddr)
	override(&cfg.Admin.Token, EnvAdminToken)
	if raw := strings.TrimSpace(os.Getenv(EnvPort)); raw != "" {
		if port, errParse := strconv.Atoi(raw); errParse == nil {
			cfg.Port = port
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	cfg.Identity.Mode = strings.ToLower(strings.TrimSpace(cfg.Identity.Mode))
	if cfg.Identity.Mode == "" {
		if strings.TrimSpace(cfg.Identity.JWTSecret) != "" || strings.TrimSpace(cfg.Identity.JWKSURL) != "" {
			cfg.Identity.Mode = IdentityModeJWT
		} else {
			cfg.Identity.Mode = IdentityModeRemote
		}
	}
	if cfg.Identity.Timeout <= 0 {
		cfg.Identity.Timeout = defaultIdentityTimeout
	}
	cfg.Identity.SupabaseURL = strings.TrimRight(strings.TrimSpace(cfg.Identity.SupabaseURL), "/")
	if strings.TrimSpace(cfg.Anthropic.BaseURL) == "" {
		cfg.Anthropic.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.Anthropic.Timeout <= 0 {
		cfg.Anthropic.Timeout = defaultAnthropicTimeout
	}
	if strings.TrimSpace(cfg.PostHog.Host) == "" {
		cfg.PostHog.Host = defaultPostHogHost
	}
	cfg.Ledger.Backend = strings.ToLower(strings.TrimSpace(cfg.Ledger.Backend))
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = LedgerBackendSQL
	}
	if strings.TrimSpace(cfg.Ledger.Redis.Prefix) == "" {
		cfg.Ledger.Redis.Prefix = defaultRedisPrefix
	}
	if cfg.Ledger.Redis.DB < 0 {
		cfg.Ledger.Redis.DB = 0
	}
	if cfg.Cache.SubscriptionTTL <= 0 {
		cfg.Cache.SubscriptionTTL = defaultCacheTTL
	}
	if cfg.Cache.QuotaTTL <= 0 {
		cfg.Cache.QuotaTTL = defaultCacheTTL
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = defaultLogLevel
	}
}

// Validate reports the first required setting that is missing.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrConfigurationMissing)
	}
	if c.DSN() == "" {
		return fmt.Errorf("%w: %v", ErrConfigurationMissing, ErrMissingDatabaseDSN)
	}
	if strings.TrimSpace(c.Anthropic.APIKey) == "" {
		return missing("anthropic.api-key", EnvAnthropicAPIKey)
	}
	switch c.Identity.Mode {
	case IdentityModeJWT:
		if strings.TrimSpace(c.Identity.JWTSecret) == "" && strings.TrimSpace(c.Identity.JWKSURL) == "" {
			return missing("identity.jwt-secret", EnvSupabaseJWTSecret)
		}
	case IdentityModeRemote:
		if c.Identity.SupabaseURL == "" {
			return missing("identity.supabase-url", EnvSupabaseURL)
		}
		if strings.TrimSpace(c.Identity.SupabaseServiceKey) == "" {
			return missing("identity.supabase-service-key", EnvSupabaseServiceKey)
		}
	default:
		return fmt.Errorf("invalid identity mode: %s", c.Identity.Mode)
	}
	switch c.Ledger.Backend {
	case LedgerBackendSQL, LedgerBackendMemory:
	case LedgerBackendRedis:
		if strings.TrimSpace(c.Ledger.Redis.Addr) == "" {
			return missing("ledger.redis.addr", EnvRedisAddr)
		}
	default:
		return fmt.Errorf("invalid ledger backend: %s", c.Ledger.Backend)
	}
	if strings.TrimSpace(c.Security.OwnKeySecret) == "" {
		return missing("security.own-key-secret", EnvOwnKeySecret)
	}
	return nil
}

func missing(yamlKey, envKey string) error {
	return fmt.Errorf("%w: set `%s` or %s", ErrConfigurationMissing, yamlKey, envKey)
}
