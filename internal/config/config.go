// Package config loads process configuration from the environment (optionally
// seeded from a .env file) and the lifecycle policy from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lovendo/momentcore/internal/app/policy"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the process configuration.
type Config struct {
	Env       string `env:"MOMENT_ENV,default=development"`
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Providers ProvidersConfig
	Sweep     SweepConfig
	RateLimit RateLimitConfig

	PolicyFile     string `env:"POLICY_FILE"`
	PlansFile      string `env:"COMMISSION_PLANS_FILE"`
	RequestLogFile string `env:"REQUEST_LOG_FILE"`
}

type ServerConfig struct {
	Host            string        `env:"HTTP_HOST,default=0.0.0.0"`
	Port            int           `env:"HTTP_PORT,default=8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=10s"`
	CORSOrigins     string        `env:"CORS_ALLOWED_ORIGINS"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type DatabaseConfig struct {
	Driver          string        `env:"DATABASE_DRIVER,default=memory"`
	DSN             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME,default=30m"`
	AutoMigrate     bool          `env:"DATABASE_AUTO_MIGRATE,default=true"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 user tokens.
	JWTSecret string `env:"JWT_SECRET"`
	// JWTPublicKeyFile verifies RS256 user tokens when set.
	JWTPublicKeyFile   string `env:"JWT_PUBLIC_KEY_FILE"`
	AdminUserIDs       string `env:"ADMIN_USER_IDS"`
	SuperAdminUserIDs  string `env:"SUPER_ADMIN_USER_IDS"`
	ServiceTokenSecret string `env:"SERVICE_TOKEN_SECRET"`
	AllowedServices    string `env:"ALLOWED_SERVICES,default=ai-scanner"`
}

// Admins returns the admin allowlist.
func (a AuthConfig) Admins() map[string]struct{} { return ParseCSVSet(a.AdminUserIDs) }

// SuperAdmins returns the super admin allowlist.
func (a AuthConfig) SuperAdmins() map[string]struct{} { return ParseCSVSet(a.SuperAdminUserIDs) }

// Services returns the service ids allowed to call internal endpoints.
func (a AuthConfig) Services() []string { return ParseCSV(a.AllowedServices) }

type RedisConfig struct {
	URL            string        `env:"REDIS_URL"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL,default=24h"`
}

type ProvidersConfig struct {
	AIScanURL  string        `env:"AI_SCAN_URL"`
	NotifyURL  string        `env:"NOTIFY_URL"`
	PlansURL   string        `env:"COMMISSION_PLANS_URL"`
	Token      string        `env:"PROVIDER_TOKEN"`
	Timeout    time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`
	MaxRetries int           `env:"PROVIDER_MAX_RETRIES,default=3"`
}

type SweepConfig struct {
	Enabled  bool   `env:"SWEEP_ENABLED,default=true"`
	Schedule string `env:"SWEEP_SCHEDULE,default=@every 1m"`
}

type RateLimitConfig struct {
	RPS   int `env:"RATE_LIMIT_RPS,default=20"`
	Burst int `env:"RATE_LIMIT_BURST,default=40"`
}

// Load reads .env files (when present) and decodes the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		// Existing variables win over the file.
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("DATABASE_URL is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" && c.Auth.JWTPublicKeyFile == "" && c.IsProduction() {
		return fmt.Errorf("JWT_SECRET or JWT_PUBLIC_KEY_FILE is required in production")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.Server.Port)
	}
	return nil
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Policy returns the lifecycle policy: defaults overlaid with PolicyFile.
func (c *Config) Policy() (policy.Policy, error) {
	return LoadPolicy(c.PolicyFile)
}

// LoadPolicy reads a YAML policy file over the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (policy.Policy, error) {
	p := policy.Default()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return policy.Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return policy.Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// ParseCSV splits a comma separated list, dropping blanks.
func ParseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParseCSVSet is ParseCSV as a set.
func ParseCSVSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, v := range ParseCSV(raw) {
		out[v] = struct{}{}
	}
	return out
}
