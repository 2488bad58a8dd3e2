package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

// Policies for a session whose reconnection budget is spent.
const (
	RetryPolicyDelete     = "delete"
	RetryPolicyDeactivate = "deactivate"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	APIKey      string `env:"API_KEY"`

	SessionsDir  string `env:"SESSIONS_DIR" envDefault:"./sessions"`
	BridgeSocket string `env:"BRIDGE_SOCKET" envDefault:"/var/run/wa-engine.sock"`

	MaxReconnectAttempts       int    `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"2"`
	ReconnectDelaySeconds      int    `env:"RECONNECT_DELAY_SECONDS" envDefault:"5"`
	RestoreBatchSize           int    `env:"RESTORE_BATCH_SIZE" envDefault:"5"`
	RestoreBatchDelaySeconds   int    `env:"RESTORE_BATCH_DELAY_SECONDS" envDefault:"3"`
	PairingRequestDelaySeconds int    `env:"PAIRING_REQUEST_DELAY_SECONDS" envDefault:"2"`
	PairingTTLSeconds          int    `env:"PAIRING_TTL_SECONDS" envDefault:"600"`
	RetryExhaustedPolicy       string `env:"RETRY_EXHAUSTED_POLICY" envDefault:"delete"`

	RateLimitPerMin int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

func (c *Config) RestoreBatchDelay() time.Duration {
	return time.Duration(c.RestoreBatchDelaySeconds) * time.Second
}

func (c *Config) PairingRequestDelay() time.Duration {
	return time.Duration(c.PairingRequestDelaySeconds) * time.Second
}

func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.RestoreBatchSize < 1 {
		return fmt.Errorf("RESTORE_BATCH_SIZE must be at least 1")
	}
	if c.RetryExhaustedPolicy != RetryPolicyDelete && c.RetryExhaustedPolicy != RetryPolicyDeactivate {
		return fmt.Errorf("RETRY_EXHAUSTED_POLICY must be %q or %q", RetryPolicyDelete, RetryPolicyDeactivate)
	}

	if isProduction {
		if c.APIKey == "" {
			log.Warn().Msg("API_KEY is empty in production: management API is unauthenticated")
		} else if len(c.APIKey) < 32 {
			return fmt.Errorf("API_KEY must be at least 32 characters in production (generate with: openssl rand -base64 32)")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
