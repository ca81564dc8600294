package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSecrets(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "admin")
	t.Setenv("USER_JWT_SECRET", "user")
}

func TestLoadDefaults(t *testing.T) {
	setSecrets(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "GEMINI_API_KEY", cfg.CredentialEnvPrefix)
	assert.Equal(t, 5*time.Minute, cfg.CredentialRescanInterval)
	assert.Equal(t, 60, cfg.DefaultRPM)
	assert.Equal(t, 5*time.Minute, cfg.FailedCooldown)
	assert.Equal(t, time.Hour, cfg.QuotaCooldown)
	assert.Equal(t, int64(1500), cfg.DailyRequestsPerCredential)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 1000, cfg.CacheMaxEntries)
	assert.Equal(t, 5, cfg.LedgerMaxRetries)
	assert.Zero(t, cfg.InitialCredits)
	assert.Empty(t, cfg.QuotaKeywords)
	assert.True(t, cfg.WatchCredentialsFile)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	setSecrets(t)
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DEFAULT_RPM", "15")
	t.Setenv("QUOTA_COOLDOWN", "90m")
	t.Setenv("QUOTA_KEYWORDS", "quota, hết hạn mức ,")
	t.Setenv("ALLOWED_ORIGINS", "https://vichat.vn,https://admin.vichat.vn")
	t.Setenv("INITIAL_CREDITS", "100")
	t.Setenv("WATCH_CREDENTIALS_FILE", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 15, cfg.DefaultRPM)
	assert.Equal(t, 90*time.Minute, cfg.QuotaCooldown)
	assert.Equal(t, []string{"quota", "hết hạn mức"}, cfg.QuotaKeywords)
	assert.Equal(t, []string{"https://vichat.vn", "https://admin.vichat.vn"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(100), cfg.InitialCredits)
	assert.False(t, cfg.WatchCredentialsFile)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"not an int", "DEFAULT_RPM", "sixty"},
		{"zero rpm", "DEFAULT_RPM", "0"},
		{"bad duration", "FAILED_COOLDOWN", "5 minutes"},
		{"negative cooldown", "QUOTA_COOLDOWN", "-1h"},
		{"unknown driver", "DB_DRIVER", "mysql"},
		{"negative initial credits", "INITIAL_CREDITS", "-10"},
		{"zero cache", "CACHE_MAX_ENTRIES", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setSecrets(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "")
	t.Setenv("USER_JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}
