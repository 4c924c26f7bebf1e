// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every variable, e.g. GOENTITLE_APP_PORT.
const EnvPrefix = "GOENTITLE"

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

// Storage drivers.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

type Config struct {
	App     AppConfig
	Auth    AuthConfig
	Storage StorageConfig
	Trial   TrialConfig
	Gate    GateConfig
	Cache   CacheConfig
	Breaker BreakerConfig
	Billing BillingConfig
	Stripe  StripeConfig
}

// Load reads the optional env files (".env" when none are given) and then the
// process environment. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}
	return nil
}

// Validate checks the settings that depend on each other.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("%s_STORAGE_POSTGRES_DSN is required for the postgres driver", EnvPrefix)
		}
	case DriverRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("%s_STORAGE_REDIS_URL is required for the redis driver", EnvPrefix)
		}
	case DriverFirestore:
		if c.Storage.FirestoreProjectID == "" {
			return fmt.Errorf("%s_STORAGE_FIRESTORE_PROJECT_ID is required for the firestore driver", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Trial.LengthDays <= 0 {
		return fmt.Errorf("trial length must be positive, got %d", c.Trial.LengthDays)
	}

	if c.Stripe.Enabled() {
		if c.App.BaseURL == "" {
			return fmt.Errorf("%s_APP_BASE_URL is required when stripe is configured", EnvPrefix)
		}
		if _, err := url.ParseRequestURI(c.App.BaseURL); err != nil {
			return fmt.Errorf("invalid base url: %w", err)
		}
	}
	return nil
}

type AppConfig struct {
	Env       string `split_words:"true" default:"development"`
	Port      string `split_words:"true" default:"8080"`
	BaseURL   string `split_words:"true"`
	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"json"`

	ShutdownTimeout time.Duration `split_words:"true" default:"15s"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// Addr is the listen address for the HTTP server.
func (a AppConfig) Addr() string {
	return ":" + strings.TrimPrefix(a.Port, ":")
}

// AuthConfig names the headers an upstream authenticator sets.
type AuthConfig struct {
	UserIDHeader string `split_words:"true" default:"X-User-ID"`
	EmailHeader  string `split_words:"true" default:"X-User-Email"`
}

type StorageConfig struct {
	Driver string `split_words:"true" default:"memory"`

	PostgresDSN         string `split_words:"true"`
	PostgresMaxConns    int32  `split_words:"true" default:"10"`
	PostgresAutoMigrate bool   `split_words:"true" default:"false"`

	RedisURL       string `split_words:"true"`
	RedisKeyPrefix string `split_words:"true" default:"goentitle:"`

	FirestoreProjectID  string `split_words:"true"`
	FirestoreCollection string `split_words:"true" default:"entitlement_records"`
}

type TrialConfig struct {
	LengthDays       int      `split_words:"true" default:"14"`
	ExpiringSoonDays int      `split_words:"true" default:"3"`
	PaidTiers        []string `split_words:"true" default:"standard"`
	DemoMode         bool     `split_words:"true" default:"false"`
}

type GateConfig struct {
	AllowPaths  []string `split_words:"true" default:"/pricing,/auth/login,/auth/signup"`
	RedirectURL string   `split_words:"true" default:"/pricing?expired=true"`
}

type CacheConfig struct {
	Enabled    bool          `split_words:"true" default:"true"`
	TTL        time.Duration `split_words:"true" default:"30s"`
	MaxRecords int           `split_words:"true" default:"10000"`
}

type BreakerConfig struct {
	Enabled          bool          `split_words:"true" default:"false"`
	FailureThreshold int           `split_words:"true" default:"5"`
	ResetTimeout     time.Duration `split_words:"true" default:"30s"`
}

type BillingConfig struct {
	DryRun bool          `split_words:"true" default:"false"`
	Period time.Duration `split_words:"true" default:"720h"`
}

type StripeConfig struct {
	APIKey        string `split_words:"true"`
	WebhookSecret string `split_words:"true"`

	// PlanPrices maps a plan to its price, e.g. "standard:price_123".
	PlanPrices map[string]string `split_words:"true"`

	// WebhookRateLimit is per client IP and window; negative disables it.
	WebhookRateLimit       int           `split_words:"true" default:"100"`
	WebhookRateLimitWindow time.Duration `split_words:"true" default:"1m"`
}

// Enabled reports whether the Stripe provider should be built.
func (s StripeConfig) Enabled() bool {
	return s.APIKey != ""
}
