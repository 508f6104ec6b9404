package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "")
	setEnv(t, "DEFAULT_CREDITS_PER_USD", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, int64(DefaultCreditsPerUSD), cfg.DefaultCreditsPerUSD)
	assert.Equal(t, DefaultOpenAIBaseURL, cfg.OpenAIBaseURL)
	assert.Equal(t, DefaultAnthropicBaseURL, cfg.AnthropicBaseURL)
	assert.Equal(t, DefaultOpenAITimeout, cfg.OpenAITimeout)
	assert.Equal(t, DefaultAnthropicTimeout, cfg.AnthropicTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "DEFAULT_CREDITS_PER_USD", "250")
	setEnv(t, "OPENAI_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(250), cfg.DefaultCreditsPerUSD)
	assert.Equal(t, 30*time.Second, cfg.OpenAITimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid development config",
			config: Config{
				Env:                  "development",
				DefaultCreditsPerUSD: 100,
			},
			wantErr: "",
		},
		{
			name: "zero credits rate",
			config: Config{
				Env:                  "development",
				DefaultCreditsPerUSD: 0,
			},
			wantErr: "DEFAULT_CREDITS_PER_USD",
		},
		{
			name: "short master key",
			config: Config{
				Env:                  "development",
				DefaultCreditsPerUSD: 100,
				CredentialMasterKey:  "short",
			},
			wantErr: "at least 16 characters",
		},
		{
			name: "production without database",
			config: Config{
				Env:                  "production",
				DefaultCreditsPerUSD: 100,
				AdminAPIKey:          "secret",
				CredentialMasterKey:  "0123456789abcdef0123456789abcdef",
			},
			wantErr: "DATABASE_URL is required",
		},
		{
			name: "production without admin key",
			config: Config{
				Env:                  "production",
				DefaultCreditsPerUSD: 100,
				DatabaseURL:          "postgres://localhost/spendgate",
				CredentialMasterKey:  "0123456789abcdef0123456789abcdef",
			},
			wantErr: "ADMIN_API_KEY is required",
		},
		{
			name: "production without master key",
			config: Config{
				Env:                  "production",
				DefaultCreditsPerUSD: 100,
				DatabaseURL:          "postgres://localhost/spendgate",
				AdminAPIKey:          "secret",
			},
			wantErr: "CREDENTIAL_MASTER_KEY is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_INVALID", "ninety")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DUR_INVALID", time.Second))
}
