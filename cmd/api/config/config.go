package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	DBDriver   string
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string
	SQLitePath string

	AdminJWTSecret string
	UserJWTSecret  string

	CredentialEnvPrefix        string
	CredentialsFile            string
	EnvFile                    string
	CredentialRescanInterval   time.Duration
	DefaultRPM                 int
	FailedCooldown             time.Duration
	QuotaCooldown              time.Duration
	QuotaKeywords              []string
	DailyRequestsPerCredential int64

	CacheTTL        time.Duration
	CacheMaxEntries int

	AnalyticsDailyTokenCap           int64
	AnalyticsFeatureRequestThreshold int64

	InitialCredits   int64
	LedgerMaxRetries int

	GeminiModel          string
	EventStatusInterval  time.Duration
	StripeSecretKey      string
	StripeWebhookSecret  string
	CreditsPerUnit       int64
	ShutdownGracePeriod  time.Duration
	WatchCredentialsFile bool
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found")
	}

	cfg := &Config{
		Port:           getEnvString("PORT", "3000"),
		AllowedOrigins: splitList(getEnvString("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:       getEnvString("LOG_LEVEL", "info"),
		LogFormat:      getEnvString("LOG_FORMAT", "json"),

		DBDriver:   getEnvString("DB_DRIVER", "postgres"),
		DBHost:     getEnvString("DB_HOST", "localhost"),
		DBUser:     getEnvString("DB_USER", "postgres"),
		DBPassword: getEnvString("DB_PASSWORD", ""),
		DBName:     getEnvString("DB_NAME", "vichat"),
		DBPort:     getEnvString("DB_PORT", "5432"),
		DBSSLMode:  getEnvString("DB_SSLMODE", "disable"),
		SQLitePath: getEnvString("SQLITE_PATH", "vichat.db"),

		AdminJWTSecret: getEnvString("ADMIN_JWT_SECRET", ""),
		UserJWTSecret:  getEnvString("USER_JWT_SECRET", ""),

		CredentialEnvPrefix:  getEnvString("CREDENTIAL_ENV_PREFIX", "GEMINI_API_KEY"),
		CredentialsFile:      getEnvString("CREDENTIALS_FILE", ""),
		EnvFile:              getEnvString("CREDENTIAL_ENV_FILE", ".env"),
		QuotaKeywords:        splitList(getEnvString("QUOTA_KEYWORDS", "")),
		WatchCredentialsFile: getEnvBool("WATCH_CREDENTIALS_FILE", true),
		GeminiModel:          getEnvString("GEMINI_MODEL", ""),
		StripeSecretKey:      getEnvString("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:  getEnvString("STRIPE_WEBHOOK_SECRET", ""),
	}

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	var err error
	cfg.CredentialRescanInterval, err = getEnvDuration("CREDENTIAL_RESCAN_INTERVAL", 5*time.Minute)
	collect(err)
	cfg.DefaultRPM, err = getEnvInt("DEFAULT_RPM", 60)
	collect(err)
	cfg.FailedCooldown, err = getEnvDuration("FAILED_COOLDOWN", 5*time.Minute)
	collect(err)
	cfg.QuotaCooldown, err = getEnvDuration("QUOTA_COOLDOWN", time.Hour)
	collect(err)
	cfg.DailyRequestsPerCredential, err = getEnvInt64("DAILY_REQUESTS_PER_CREDENTIAL", 1500)
	collect(err)
	cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", 30*time.Minute)
	collect(err)
	cfg.CacheMaxEntries, err = getEnvInt("CACHE_MAX_ENTRIES", 1000)
	collect(err)
	cfg.AnalyticsDailyTokenCap, err = getEnvInt64("ANALYTICS_DAILY_TOKEN_CAP", 1_000_000)
	collect(err)
	cfg.AnalyticsFeatureRequestThreshold, err = getEnvInt64("ANALYTICS_FEATURE_REQUEST_THRESHOLD", 1000)
	collect(err)
	cfg.InitialCredits, err = getEnvInt64("INITIAL_CREDITS", 0)
	collect(err)
	cfg.LedgerMaxRetries, err = getEnvInt("LEDGER_MAX_RETRIES", 5)
	collect(err)
	cfg.CreditsPerUnit, err = getEnvInt64("CREDITS_PER_UNIT", 1)
	collect(err)
	cfg.EventStatusInterval, err = getEnvDuration("EVENT_STATUS_INTERVAL", 30*time.Second)
	collect(err)
	cfg.ShutdownGracePeriod, err = getEnvDuration("SHUTDOWN_GRACE_PERIOD", 15*time.Second)
	collect(err)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"DEFAULT_RPM", int64(c.DefaultRPM)},
		{"DAILY_REQUESTS_PER_CREDENTIAL", c.DailyRequestsPerCredential},
		{"CACHE_MAX_ENTRIES", int64(c.CacheMaxEntries)},
		{"ANALYTICS_DAILY_TOKEN_CAP", c.AnalyticsDailyTokenCap},
		{"ANALYTICS_FEATURE_REQUEST_THRESHOLD", c.AnalyticsFeatureRequestThreshold},
		{"LEDGER_MAX_RETRIES", int64(c.LedgerMaxRetries)},
		{"CREDITS_PER_UNIT", c.CreditsPerUnit},
		{"CREDENTIAL_RESCAN_INTERVAL", int64(c.CredentialRescanInterval)},
		{"FAILED_COOLDOWN", int64(c.FailedCooldown)},
		{"QUOTA_COOLDOWN", int64(c.QuotaCooldown)},
		{"CACHE_TTL", int64(c.CacheTTL)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if c.InitialCredits < 0 {
		return fmt.Errorf("INITIAL_CREDITS must not be negative")
	}
	if c.AdminJWTSecret == "" || c.UserJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET and USER_JWT_SECRET are required")
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := getEnvString(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, raw)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	raw := getEnvString(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, raw)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnvString(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", key, raw)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) bool {
	raw := getEnvString(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Ignoring invalid boolean")
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
