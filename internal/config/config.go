package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	DBStatementTimeout time.Duration `mapstructure:"DB_STATEMENT_TIMEOUT"`
	DBIdleTxTimeout    time.Duration `mapstructure:"DB_IDLE_TX_TIMEOUT"`

	JWTSigningKey string        `mapstructure:"JWT_SIGNING_KEY"`
	AuthIssuer    string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string        `mapstructure:"AUTH_JWKS_URL"`
	JWTTTL        time.Duration `mapstructure:"JWT_TTL"`

	DevTenantID   string `mapstructure:"DEV_TENANT_ID"`
	DevFacilityID string `mapstructure:"DEV_FACILITY_ID"`
	DevUserID     string `mapstructure:"DEV_USER_ID"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	DefaultCurrency string `mapstructure:"DEFAULT_CURRENCY"`
	SnowflakeNode   int64  `mapstructure:"SNOWFLAKE_NODE"`

	MidtransServerKey  string `mapstructure:"MIDTRANS_SERVER_KEY"`
	MidtransProduction bool   `mapstructure:"MIDTRANS_PRODUCTION"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	CachePrefix   string `mapstructure:"CACHE_PREFIX"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"DB_STATEMENT_TIMEOUT", "DB_IDLE_TX_TIMEOUT",
	"JWT_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "JWT_TTL",
	"DEV_TENANT_ID", "DEV_FACILITY_ID", "DEV_USER_ID",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"DEFAULT_CURRENCY", "SNOWFLAKE_NODE",
	"MIDTRANS_SERVER_KEY", "MIDTRANS_PRODUCTION",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "CACHE_PREFIX",
}

// Load reads .env (if present) into the process environment and then
// resolves every key from the environment with defaults.
func Load() (*Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DB_STATEMENT_TIMEOUT", "15s")
	v.SetDefault("DB_IDLE_TX_TIMEOUT", "30s")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("DEV_TENANT_ID", "00000000-0000-0000-0000-000000000001")
	v.SetDefault("DEV_USER_ID", "00000000-0000-0000-0000-0000000000aa")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("DEFAULT_CURRENCY", "INR")
	v.SetDefault("SNOWFLAKE_NODE", 1)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_PREFIX", "hcp:")

	// Unmarshal only sees keys viper knows about.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.DefaultCurrency = strings.ToUpper(cfg.DefaultCurrency)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate refuses configurations that would run without real token
// verification outside development.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.JWTSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("JWT_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
		}
		if c.IsProduction() && c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER is required in production")
		}
	}
	if c.JWTSigningKey != "" && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be an ISO 4217 code, got %q", c.DefaultCurrency)
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		return fmt.Errorf("SNOWFLAKE_NODE must be between 0 and 1023, got %d", c.SnowflakeNode)
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15, got %d", c.RedisDB)
	}
	if c.DBStatementTimeout < 0 || c.DBIdleTxTimeout < 0 {
		return fmt.Errorf("DB_STATEMENT_TIMEOUT and DB_IDLE_TX_TIMEOUT must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.IsDev() {
		for name, v := range map[string]string{"DEV_TENANT_ID": c.DevTenantID, "DEV_USER_ID": c.DevUserID} {
			if _, err := uuid.Parse(v); err != nil {
				return fmt.Errorf("%s must be a UUID: %w", name, err)
			}
		}
		if c.DevFacilityID != "" {
			if _, err := uuid.Parse(c.DevFacilityID); err != nil {
				return fmt.Errorf("DEV_FACILITY_ID must be a UUID: %w", err)
			}
		}
	}
	return nil
}
