package config

import (
    "os"
    "strconv"
    "strings"
    "time"
)

// RateLimitConfig describes one token bucket policy.  Scope namespaces the
// bucket keys so the reservation, checkout and webhook endpoints drain
// separate buckets.
type RateLimitConfig struct {
    Enabled        bool
    Scope          string
    Capacity       int
    RefillTokens   int
    RefillInterval time.Duration
    TTL            time.Duration
    KeyStrategy    string
    Prefix         string
    Debug          bool
}

// LoadRateLimitConfig reads the shared RATE_LIMIT_* variables and then
// applies RATE_LIMIT_<SCOPE>_* overrides, e.g. RATE_LIMIT_WEBHOOK_CAPACITY.
func LoadRateLimitConfig(scope string) RateLimitConfig {
    def := RateLimitConfig{
        Enabled:        envBool("RATE_LIMIT_ENABLED", true),
        Scope:          scope,
        Capacity:       envInt("RATE_LIMIT_CAPACITY", 30),
        RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
        RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", 2*time.Second),
        TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
        KeyStrategy:    envStr("RATE_LIMIT_KEY_STRATEGY", "ip_route"),
        Prefix:         envStr("RATE_LIMIT_PREFIX", "raffle:rl"),
        Debug:          envBool("RATE_LIMIT_DEBUG", false),
    }
    if scope != "" {
        p := "RATE_LIMIT_" + strings.ToUpper(scope) + "_"
        def.Enabled = envBool(p+"ENABLED", def.Enabled)
        def.Capacity = envInt(p+"CAPACITY", def.Capacity)
        def.RefillTokens = envInt(p+"REFILL_TOKENS", def.RefillTokens)
        def.RefillInterval = envDur(p+"REFILL_INTERVAL", def.RefillInterval)
        def.KeyStrategy = envStr(p+"KEY_STRATEGY", def.KeyStrategy)
        def.Prefix = def.Prefix + ":" + strings.ToLower(scope)
    }
    if def.Capacity < 1 { def.Capacity = 1 }
    if def.RefillTokens < 1 { def.RefillTokens = 1 }
    if def.RefillInterval <= 0 { def.RefillInterval = time.Second }
    minTTL := 5 * def.RefillInterval
    if def.TTL < minTTL { def.TTL = minTTL }
    return def
}

func envStr(k, d string) string { if v := os.Getenv(k); v != "" { return v }; return d }
func envBool(k string, d bool) bool {
    v := os.Getenv(k)
    if v == "" { return d }
    switch strings.ToLower(v) {
    case "1", "true", "yes", "on": return true
    case "0", "false", "no", "off": return false
    }
    return d
}
func envInt(k string, d int) int {
    v := os.Getenv(k); if v == "" { return d }
    if n, err := strconv.Atoi(v); err == nil { return n }
    return d
}
func envDur(k string, d time.Duration) time.Duration {
    v := os.Getenv(k); if v == "" { return d }
    if dur, err := time.ParseDuration(v); err == nil { return dur }
    return d
}
