package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	RedisURL            string        `mapstructure:"REDIS_URL"`
	RedisHealthInterval time.Duration `mapstructure:"REDIS_HEALTH_INTERVAL"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	AccessTokenTTL       time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL      time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	RefreshTokenRotation bool          `mapstructure:"REFRESH_TOKEN_ROTATION"`
	RefreshReuseGrace    time.Duration `mapstructure:"REFRESH_REUSE_GRACE"`
	SessionTouchInterval time.Duration `mapstructure:"SESSION_TOUCH_INTERVAL"`
	SessionRetention     time.Duration `mapstructure:"SESSION_RETENTION"`

	MFACodeLength     int           `mapstructure:"MFA_CODE_LENGTH"`
	MFACodeExpiry     time.Duration `mapstructure:"MFA_CODE_EXPIRY"`
	MFAMaxAttempts    int           `mapstructure:"MFA_MAX_ATTEMPTS"`
	MFAResendCooldown time.Duration `mapstructure:"MFA_RESEND_COOLDOWN"`

	NotifyMaxRetries     int           `mapstructure:"NOTIFY_MAX_RETRIES"`
	NotifyInitialBackoff time.Duration `mapstructure:"NOTIFY_INITIAL_BACKOFF"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	SMSGatewayURL string `mapstructure:"SMS_GATEWAY_URL"`
	SMSAPIKey     string `mapstructure:"SMS_API_KEY"`
	SMSSenderID   string `mapstructure:"SMS_SENDER_ID"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`
}

// devJWTSecret is only accepted outside production.
const devJWTSecret = "dev-only-secret-change-me-0123456789abcdef"

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REDIS_URL", "REDIS_HEALTH_INTERVAL",
	"JWT_SECRET", "JWT_ISSUER",
	"ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL", "REFRESH_TOKEN_ROTATION", "REFRESH_REUSE_GRACE",
	"SESSION_TOUCH_INTERVAL", "SESSION_RETENTION",
	"MFA_CODE_LENGTH", "MFA_CODE_EXPIRY", "MFA_MAX_ATTEMPTS", "MFA_RESEND_COOLDOWN",
	"NOTIFY_MAX_RETRIES", "NOTIFY_INITIAL_BACKOFF",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"SMS_GATEWAY_URL", "SMS_API_KEY", "SMS_SENDER_ID",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("REDIS_HEALTH_INTERVAL", "5s")
	v.SetDefault("JWT_ISSUER", "ehr-auth")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("REFRESH_TOKEN_ROTATION", true)
	v.SetDefault("REFRESH_REUSE_GRACE", "10s")
	v.SetDefault("SESSION_TOUCH_INTERVAL", "1m")
	v.SetDefault("SESSION_RETENTION", "2160h")
	v.SetDefault("MFA_CODE_LENGTH", 6)
	v.SetDefault("MFA_CODE_EXPIRY", "10m")
	v.SetDefault("MFA_MAX_ATTEMPTS", 3)
	v.SetDefault("MFA_RESEND_COOLDOWN", "60s")
	v.SetDefault("NOTIFY_MAX_RETRIES", 3)
	v.SetDefault("NOTIFY_INITIAL_BACKOFF", "1s")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "no-reply@ehr.local")
	v.SetDefault("OTEL_SERVICE_NAME", "ehr-auth")

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

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = devJWTSecret
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDevSecret reports whether the built-in development signing key is active.
func (c *Config) UsesDevSecret() bool {
	return c.JWTSecret == devJWTSecret
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWTSecret == "" || c.UsesDevSecret() {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production")
		}
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
	}

	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL (%s) must exceed ACCESS_TOKEN_TTL (%s)", c.RefreshTokenTTL, c.AccessTokenTTL)
	}
	if c.RefreshReuseGrace < 0 {
		return fmt.Errorf("REFRESH_REUSE_GRACE must not be negative")
	}

	if c.MFACodeLength < 4 || c.MFACodeLength > 10 {
		return fmt.Errorf("MFA_CODE_LENGTH must be between 4 and 10, got %d", c.MFACodeLength)
	}
	if c.MFAMaxAttempts < 1 {
		return fmt.Errorf("MFA_MAX_ATTEMPTS must be at least 1, got %d", c.MFAMaxAttempts)
	}
	if c.MFACodeExpiry <= 0 {
		return fmt.Errorf("MFA_CODE_EXPIRY must be positive")
	}
	if c.NotifyMaxRetries < 0 {
		return fmt.Errorf("NOTIFY_MAX_RETRIES must not be negative")
	}

	if c.SMTPHost != "" && c.SMTPPort <= 0 {
		return fmt.Errorf("SMTP_PORT is required when SMTP_HOST is set")
	}

	return nil
}
