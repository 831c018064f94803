package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Auth modes.
const (
	AuthModeJWT    = "jwt"
	AuthModeRemote = "remote"
)

// Partial turn policies applied when a stream ends before completion.
const (
	PartialTurnIncomplete = "incomplete"
	PartialTurnDiscard    = "discard"
)

// Config holds all environment backed configuration for the gateway.
type Config struct {
	// HTTP Server
	HTTPPort           int      `env:"HTTP_PORT" envDefault:"8080"`
	MetricsPort        int      `env:"METRICS_PORT" envDefault:"9091"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Database
	DatabaseURL string        `env:"DATABASE_URL,notEmpty"`
	DBMaxOpen   int           `env:"DB_MAX_OPEN" envDefault:"25"`
	DBMaxIdle   int           `env:"DB_MAX_IDLE" envDefault:"10"`
	DBMaxLife   time.Duration `env:"DB_MAX_LIFETIME" envDefault:"1h"`
	AutoMigrate bool          `env:"AUTO_MIGRATE" envDefault:"true"`
	DBOSEnabled bool          `env:"DBOS_ENABLED" envDefault:"true"`
	AppName     string        `env:"APP_NAME" envDefault:"chat-gateway"`

	// Identity provider
	AuthMode        string        `env:"AUTH_MODE" envDefault:"jwt"`
	AuthJWTSecret   string        `env:"AUTH_JWT_SECRET"`
	AuthJWKSURL     string        `env:"AUTH_JWKS_URL"`
	AuthIssuer      string        `env:"AUTH_ISSUER"`
	AuthAudience    string        `env:"AUTH_AUDIENCE"`
	AuthJWKSRefresh time.Duration `env:"AUTH_JWKS_REFRESH" envDefault:"5m"`
	AuthClockSkew   time.Duration `env:"AUTH_CLOCK_SKEW" envDefault:"30s"`
	IdentityURL     string        `env:"IDENTITY_URL"`
	IdentityAPIKey  string        `env:"IDENTITY_API_KEY"`
	IdentityTimeout time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"5s"`

	// Model providers
	OpenAIAPIKey     string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string  `env:"OPENAI_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	AnthropicAPIKey  string  `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string  `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com"`
	DefaultModel     string  `env:"DEFAULT_MODEL" envDefault:"openai/gpt-4o-mini"`
	MaxOutputTokens  int     `env:"MAX_OUTPUT_TOKENS" envDefault:"4096"`
	Temperature      float32 `env:"MODEL_TEMPERATURE" envDefault:"0.7"`
	MaxPromptTokens  int     `env:"MAX_PROMPT_TOKENS" envDefault:"8000"`

	// Turn lifecycle
	StreamTimeout     time.Duration `env:"STREAM_TIMEOUT" envDefault:"2m"`
	TurnTimeout       time.Duration `env:"TURN_TIMEOUT" envDefault:"3m"`
	CommitTimeout     time.Duration `env:"COMMIT_TIMEOUT" envDefault:"10s"`
	PartialTurnPolicy string        `env:"PARTIAL_TURN_POLICY" envDefault:"incomplete"`

	// Turn locks
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	TurnLockTTL   time.Duration `env:"TURN_LOCK_TTL" envDefault:"5m"`

	// Observability / Logging
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"console"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"chat-gateway"`
	Environment  string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads an optional .env file, parses environment variables into Config
// and validates the combination of settings.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises and checks the configuration.
func (c *Config) Validate() error {
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	c.PartialTurnPolicy = strings.ToLower(strings.TrimSpace(c.PartialTurnPolicy))
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)

	switch c.AuthMode {
	case AuthModeJWT:
		if c.AuthJWTSecret == "" && c.AuthJWKSURL == "" {
			return errors.New("AUTH_MODE=jwt requires AUTH_JWT_SECRET or AUTH_JWKS_URL")
		}
		if c.AuthJWKSURL != "" {
			if _, err := url.ParseRequestURI(c.AuthJWKSURL); err != nil {
				return fmt.Errorf("invalid AUTH_JWKS_URL: %w", err)
			}
		}
	case AuthModeRemote:
		if c.IdentityURL == "" {
			return errors.New("AUTH_MODE=remote requires IDENTITY_URL")
		}
		if _, err := url.ParseRequestURI(c.IdentityURL); err != nil {
			return fmt.Errorf("invalid IDENTITY_URL: %w", err)
		}
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode)
	}

	if c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" {
		return errors.New("either OPENAI_API_KEY or ANTHROPIC_API_KEY must be provided")
	}

	switch c.PartialTurnPolicy {
	case PartialTurnIncomplete, PartialTurnDiscard:
	default:
		return fmt.Errorf("unsupported PARTIAL_TURN_POLICY %q", c.PartialTurnPolicy)
	}

	if c.TurnTimeout < c.StreamTimeout {
		return errors.New("TURN_TIMEOUT must not be shorter than STREAM_TIMEOUT")
	}
	return nil
}
