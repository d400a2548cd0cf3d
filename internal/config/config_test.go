package config

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/raffle-ticketing/internal/utils"
)

func setBaseEnv(t *testing.T) {
    t.Helper()
    t.Setenv("APP_ENV", "test")
    t.Setenv("APP_PORT", "8080")
    t.Setenv("JWT_SECRET", "secret")
    t.Setenv("MP_ACCESS_TOKEN", "TEST-token")
    t.Setenv("DB_DRIVER", "sqlite3")
}

func TestLoadDefaults(t *testing.T) {
    setBaseEnv(t)
    t.Setenv("ADMIN_PASSWORD", "admin123")
    t.Setenv("BCRYPT_COST", "4")
    t.Setenv("PUBLIC_BASE_URL", "https://rifas.example.com/")

    cfg := Load()

    assert.Equal(t, "sqlite3", cfg.DBDriver)
    assert.Equal(t, "https://rifas.example.com", cfg.PublicBaseURL)
    assert.Equal(t, 10*time.Minute, cfg.Reservation.TTL)
    assert.Equal(t, time.Hour, cfg.Reservation.CheckoutTTL)
    assert.Equal(t, "@every 30s", cfg.Reservation.SweepSchedule)
    assert.Equal(t, "ARS", cfg.Payment.Currency)
    assert.Equal(t, "admin", cfg.Admin.User)
    assert.True(t, utils.VerifyPassword(cfg.Admin.PasswordHash, "admin123"))
}

func TestLoadPrefersPasswordHash(t *testing.T) {
    setBaseEnv(t)
    t.Setenv("ADMIN_USER", "boss")
    t.Setenv("ADMIN_PASSWORD_HASH", "$2a$04$precomputed")

    cfg := Load()

    assert.Equal(t, AdminConfig{User: "boss", PasswordHash: "$2a$04$precomputed"}, cfg.Admin)
}

func TestLoadRateLimitConfigScopeOverrides(t *testing.T) {
    t.Setenv("RATE_LIMIT_CAPACITY", "20")
    t.Setenv("RATE_LIMIT_WEBHOOK_CAPACITY", "500")
    t.Setenv("RATE_LIMIT_WEBHOOK_KEY_STRATEGY", "ip")

    base := LoadRateLimitConfig("")
    hook := LoadRateLimitConfig("webhook")

    assert.Equal(t, 20, base.Capacity)
    assert.Equal(t, "raffle:rl", base.Prefix)
    assert.Equal(t, 500, hook.Capacity)
    assert.Equal(t, "ip", hook.KeyStrategy)
    assert.Equal(t, "raffle:rl:webhook", hook.Prefix)
}

func TestLoadRateLimitConfigClampsValues(t *testing.T) {
    t.Setenv("RATE_LIMIT_CAPACITY", "0")
    t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "1m")
    t.Setenv("RATE_LIMIT_TTL", "1s")

    cfg := LoadRateLimitConfig("checkout")

    require.Equal(t, 1, cfg.Capacity)
    assert.Equal(t, 5*time.Minute, cfg.TTL)
}

func TestEnvBool(t *testing.T) {
    t.Setenv("FLAG_ON", "Yes")
    t.Setenv("FLAG_BAD", "maybe")
    assert.True(t, envBool("FLAG_ON", false))
    assert.True(t, envBool("FLAG_BAD", true))
    assert.False(t, envBool("FLAG_MISSING", false))
}
