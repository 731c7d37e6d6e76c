package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	BulkAccessThreshold   int           `mapstructure:"BULK_ACCESS_THRESHOLD"`
	TerritoryHopThreshold int           `mapstructure:"TERRITORY_HOP_THRESHOLD"`
	AnomalyWindow         time.Duration `mapstructure:"ANOMALY_WINDOW"`
	AuditOutboxSize       int           `mapstructure:"AUDIT_OUTBOX_SIZE"`
	AuditRetryInterval    time.Duration `mapstructure:"AUDIT_RETRY_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"MIGRATIONS_DIR", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"BULK_ACCESS_THRESHOLD", "TERRITORY_HOP_THRESHOLD", "ANOMALY_WINDOW",
	"AUDIT_OUTBOX_SIZE", "AUDIT_RETRY_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BULK_ACCESS_THRESHOLD", 100)
	v.SetDefault("TERRITORY_HOP_THRESHOLD", 3)
	v.SetDefault("ANOMALY_WINDOW", "1h")
	v.SetDefault("AUDIT_OUTBOX_SIZE", 10000)
	v.SetDefault("AUDIT_RETRY_INTERVAL", "5s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// A comma-separated env value arrives as a single element.
	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey decodes AUTH_SIGNING_KEY. It returns nil when the key is unset.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run. Production requires
// an external issuer; the shared HMAC signing key is only accepted outside
// production.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER is required in production")
		}
		if c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must not be set in production")
		}
	}

	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if key != nil && len(key) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	if c.BulkAccessThreshold <= 0 {
		return fmt.Errorf("BULK_ACCESS_THRESHOLD must be positive, got %d", c.BulkAccessThreshold)
	}
	if c.TerritoryHopThreshold <= 0 {
		return fmt.Errorf("TERRITORY_HOP_THRESHOLD must be positive, got %d", c.TerritoryHopThreshold)
	}
	if c.AnomalyWindow <= 0 {
		return fmt.Errorf("ANOMALY_WINDOW must be positive, got %s", c.AnomalyWindow)
	}
	if c.AuditOutboxSize <= 0 {
		return fmt.Errorf("AUDIT_OUTBOX_SIZE must be positive, got %d", c.AuditOutboxSize)
	}
	if c.AuditRetryInterval <= 0 {
		return fmt.Errorf("AUDIT_RETRY_INTERVAL must be positive, got %s", c.AuditRetryInterval)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
