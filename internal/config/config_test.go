package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardrail/internal/money"
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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PROVIDER_SECRET_ACME", "a-long-enough-secret")
	setEnv(t, "FRAUD_AMOUNT_CAP", "2500.00")
	setEnv(t, "MERCHANT_BLOCKLIST", "shady, totally-fraudulent")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "a-long-enough-secret", cfg.ProviderSecrets["acme"])
	assert.Equal(t, money.Dollars(2500), cfg.FraudAmountCap)
	assert.Equal(t, []string{"shady", "totally-fraudulent"}, cfg.MerchantBlocklist)
	assert.Equal(t, money.Dollars(2000), cfg.DefaultPerTransactionLimit)
}

func TestLoad_ShortProviderSecret(t *testing.T) {
	setEnv(t, "PROVIDER_SECRET_ACME", "short")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Env:             "production",
				ProviderSecrets: map[string]string{"acme": "a-long-enough-secret"},
			},
			wantErr: "",
		},
		{
			name: "development without secrets",
			config: Config{
				Env: "development",
			},
			wantErr: "",
		},
		{
			name: "production without secrets",
			config: Config{
				Env: "production",
			},
			wantErr: "PROVIDER_SECRET_",
		},
		{
			name: "secret too short",
			config: Config{
				Env:             "development",
				ProviderSecrets: map[string]string{"acme": "short"},
			},
			wantErr: "too short",
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

func TestLoadProviderSecrets(t *testing.T) {
	secrets := loadProviderSecrets([]string{
		"PROVIDER_SECRET_ACME=acme-signing-secret",
		"PROVIDER_SECRET_GLOBEX=globex-signing-secret",
		"PROVIDER_SECRET_=orphan",
		"UNRELATED=value",
		"PROVIDER_SECRET_EMPTY=",
	})

	assert.Equal(t, map[string]string{
		"acme":   "acme-signing-secret",
		"globex": "globex-signing-secret",
	}, secrets)
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

func TestGetEnvAmount(t *testing.T) {
	setEnv(t, "TEST_AMOUNT", "12.50")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(1250), getEnvAmount("TEST_AMOUNT", 0))
	assert.Equal(t, int64(99), getEnvAmount("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvAmount("TEST_INVALID", 99)) // Falls back on parse error
}
