package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "HWIDAUTH_"

// envFiles are loaded into the process environment before HWIDAUTH_*
// variables are read. Variables already set are not overridden.
var envFiles = []string{".env"}

// parseEnv overlays Config with HWIDAUTH_* environment variables. A
// missing .env file is ignored; an unreadable one or a malformed value
// panics, as flag and JSON errors do.
func parseEnv(c *Config) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			panic(fmt.Errorf("load %s: %w", f, err))
		}
	}

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				panic(fmt.Errorf("%s%s: %w", envPrefix, name, err))
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				panic(fmt.Errorf("%s%s: %w", envPrefix, name, err))
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				panic(fmt.Errorf("%s%s: %w", envPrefix, name, err))
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				panic(fmt.Errorf("%s%s: %w", envPrefix, name, err))
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &c.HTTPAddr)
	str("DATABASE_DSN", &c.DatabaseDSN)
	str("SIGNING_KEY", &c.SigningKey)
	str("SIGNING_KEY_FILE", &c.SigningKeyFile)
	str("SIGNING_KEY_S3_BUCKET", &c.SigningKeyS3Bucket)
	str("SIGNING_KEY_S3_OBJECT", &c.SigningKeyS3Object)
	str("S3_REGION", &c.S3Region)
	str("S3_BASE_ENDPOINT", &c.S3BaseEndpoint)
	str("S3_ACCESS_KEY", &c.S3AccessKey)
	str("S3_SECRET_KEY", &c.S3SecretKey)
	boolean("ALLOW_EPHEMERAL_KEY", &c.AllowEphemeralKey)
	if v, ok := os.LookupEnv(envPrefix + "PREVIOUS_SIGNING_KEYS"); ok {
		c.PreviousSigningKeys = splitList(v)
	}
	duration("KEY_ROTATION_GRACE", &c.KeyRotationGrace)

	duration("SESSION_TOKEN_TTL", &c.SessionTokenTTL)
	duration("RESET_TOKEN_TTL", &c.ResetTokenTTL)
	integer("LOCKOUT_THRESHOLD", &c.LockoutThreshold)
	duration("LOCKOUT_WINDOW", &c.LockoutWindow)
	integer("AUDIT_LOOKBACK", &c.AuditLookback)
	integer("PASSWORD_ITERATIONS", &c.PasswordIterations)

	str("ADMIN_TOKEN", &c.AdminToken)
	float("RATE_LIMIT_RPS", &c.RateLimitRPS)
	integer("RATE_LIMIT_BURST", &c.RateLimitBurst)
	integer("KEY_BATCH_MAX", &c.KeyBatchMax)
	duration("SWEEP_INTERVAL", &c.SweepInterval)
	if v, ok := os.LookupEnv(envPrefix + "TRUSTED_PROXIES"); ok {
		c.TrustedProxies = splitList(v)
	}

	duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	str("LOG_LEVEL", &c.LogLevel)
	boolean("LOG_JSON", &c.LogJSON)
}

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
