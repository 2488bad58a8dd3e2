package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Port:                       8080,
		DatabaseURL:                "postgres://localhost/wabot",
		RedisURL:                   "redis://localhost:6379",
		SessionsDir:                "./sessions",
		MaxReconnectAttempts:       2,
		ReconnectDelaySeconds:      5,
		RestoreBatchSize:           5,
		RestoreBatchDelaySeconds:   3,
		PairingRequestDelaySeconds: 2,
		PairingTTLSeconds:          600,
		RetryExhaustedPolicy:       RetryPolicyDelete,
		RateLimitPerMin:            60,
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts defaults", func(t *testing.T) {
		cfg := validConfig()
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("rejects negative reconnect attempts", func(t *testing.T) {
		cfg := validConfig()
		cfg.MaxReconnectAttempts = -1
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects zero batch size", func(t *testing.T) {
		cfg := validConfig()
		cfg.RestoreBatchSize = 0
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects unknown retry policy", func(t *testing.T) {
		cfg := validConfig()
		cfg.RetryExhaustedPolicy = "retry-forever"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("accepts deactivate policy", func(t *testing.T) {
		cfg := validConfig()
		cfg.RetryExhaustedPolicy = RetryPolicyDeactivate
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("rejects short api key in production", func(t *testing.T) {
		cfg := validConfig()
		cfg.APIKey = "short"
		assert.Error(t, cfg.Validate(true))
		assert.NoError(t, cfg.Validate(false))
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay())
	assert.Equal(t, 3*time.Second, cfg.RestoreBatchDelay())
	assert.Equal(t, 2*time.Second, cfg.PairingRequestDelay())
	assert.Equal(t, 10*time.Minute, cfg.PairingTTL())
	assert.Equal(t, ":8080", cfg.Addr())
}
