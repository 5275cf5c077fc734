// Package config loads and validates gateway config from the environment, an
// optional .env file and an optional YAML file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Route is one entry of the route policy table as written in the YAML file.
type Route struct {
	Path string `mapstructure:"path"`
	// Match is "exact" or "prefix".
	Match        string   `mapstructure:"match"`
	RequireAuth  bool     `mapstructure:"require_auth"`
	AllowedRoles []string `mapstructure:"allowed_roles"`
}

// RateLimit overrides one named rate-limit policy.
type RateLimit struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// Config holds gateway configuration.
type Config struct {
	// Env is development, production or test. Production turns on strict
	// secret checks and Secure cookies.
	Env      string `mapstructure:"APP_ENV"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	// StorageBackend selects the session repository: bbolt, memory or postgres.
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	DataDir        string `mapstructure:"DATA_DIR"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	// RedisURL enables the shared rate-limit backend when set.
	RedisURL string `mapstructure:"REDIS_URL"`

	JWTSecret          string `mapstructure:"JWT_SECRET"`
	RefreshTokenSecret string `mapstructure:"REFRESH_TOKEN_SECRET"`

	CookieName string `mapstructure:"AUTH_COOKIE_NAME"`
	LoginPath  string `mapstructure:"LOGIN_PATH"`

	MaxSessionsPerUser   int           `mapstructure:"MAX_SESSIONS_PER_USER"`
	SessionSweepInterval time.Duration `mapstructure:"SESSION_SWEEP_INTERVAL"`
	StoreTimeout         time.Duration `mapstructure:"STORE_TIMEOUT"`

	RateLimitFailOpen      bool          `mapstructure:"RATE_LIMIT_FAIL_OPEN"`
	RateLimitPurgeInterval time.Duration `mapstructure:"RATE_LIMIT_PURGE_INTERVAL"`
	RateLimitTimeout       time.Duration `mapstructure:"RATE_LIMIT_TIMEOUT"`

	// UpstreamURL is the application the gateway proxies authorised requests to.
	UpstreamURL string `mapstructure:"UPSTREAM_URL"`

	OTelEndpoint       string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AuditWebhookURL    string `mapstructure:"AUDIT_WEBHOOK_URL"`
	AuditWebhookHeader string `mapstructure:"AUDIT_WEBHOOK_HEADER"`

	// AdminEmail and AdminPassword seed the first admin account when the
	// user directory is empty.
	AdminEmail    string `mapstructure:"ADMIN_EMAIL"`
	AdminPassword string `mapstructure:"ADMIN_PASSWORD"`

	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`

	// ProtectedPrefixes is the default-protected catch-all, comma separated
	// in the environment.
	ProtectedPrefixes []string             `mapstructure:"PROTECTED_PREFIXES"`
	Routes            []Route              `mapstructure:"routes"`
	RateLimits        map[string]RateLimit `mapstructure:"rate_limits"`
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then the environment. Env vars override both files.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore a missing .env

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", EnvDevelopment)
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("STORAGE_BACKEND", "bbolt")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("REFRESH_TOKEN_SECRET", "")
	v.SetDefault("AUTH_COOKIE_NAME", "hablas_auth_token")
	v.SetDefault("LOGIN_PATH", "/login")
	v.SetDefault("MAX_SESSIONS_PER_USER", 5)
	v.SetDefault("SESSION_SWEEP_INTERVAL", "5m")
	v.SetDefault("STORE_TIMEOUT", "3s")
	v.SetDefault("RATE_LIMIT_FAIL_OPEN", true)
	v.SetDefault("RATE_LIMIT_PURGE_INTERVAL", "1m")
	v.SetDefault("RATE_LIMIT_TIMEOUT", "2s")
	v.SetDefault("UPSTREAM_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("AUDIT_WEBHOOK_URL", "")
	v.SetDefault("AUDIT_WEBHOOK_HEADER", "")
	v.SetDefault("ADMIN_EMAIL", "")
	v.SetDefault("ADMIN_PASSWORD", "")
	v.SetDefault("TLS_CERT_FILE", "")
	v.SetDefault("TLS_KEY_FILE", "")
	v.SetDefault("PROTECTED_PREFIXES", "/dashboard,/account")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.ProtectedPrefixes = splitList(cfg.ProtectedPrefixes)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("config: APP_ENV must be one of development, production, test (got %q)", c.Env)
	}
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	switch c.StorageBackend {
	case "bbolt", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when STORAGE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("config: STORAGE_BACKEND must be bbolt, memory or postgres (got %q)", c.StorageBackend)
	}
	if c.CookieName == "" {
		return errors.New("config: AUTH_COOKIE_NAME must be set")
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		return errors.New("config: LOGIN_PATH must be an absolute path")
	}
	if c.MaxSessionsPerUser < 1 {
		return errors.New("config: MAX_SESSIONS_PER_USER must be at least 1")
	}
	if c.StoreTimeout <= 0 || c.RateLimitTimeout <= 0 {
		return errors.New("config: STORE_TIMEOUT and RATE_LIMIT_TIMEOUT must be positive")
	}
	if c.RateLimitPurgeInterval <= 0 || c.SessionSweepInterval <= 0 {
		return errors.New("config: RATE_LIMIT_PURGE_INTERVAL and SESSION_SWEEP_INTERVAL must be positive")
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return errors.New("config: ADMIN_EMAIL and ADMIN_PASSWORD must be set together")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("config: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	for _, r := range c.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("config: route path %q must start with /", r.Path)
		}
		if r.Match != "exact" && r.Match != "prefix" {
			return fmt.Errorf("config: route %s match must be exact or prefix", r.Path)
		}
	}
	for name, rl := range c.RateLimits {
		if rl.Max < 1 || rl.Window <= 0 {
			return fmt.Errorf("config: rate limit %s must have max >= 1 and a positive window", name)
		}
	}
	return nil
}

// Production reports whether the gateway runs with production safeguards.
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// splitList flattens comma-separated entries, which is how list values
// arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
