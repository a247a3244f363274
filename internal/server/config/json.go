package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/flagx"
	"github.com/dmitrijs2005/hwidauth/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations
// accept either Go duration strings ("10m") or integer nanoseconds.
// Pointer fields distinguish "absent" from an explicit false or zero.
type JsonConfig struct {
	HTTPAddr    string `json:"http_addr"`
	DatabaseDSN string `json:"database_dsn"`

	SigningKey          string         `json:"signing_key"`
	SigningKeyFile      string         `json:"signing_key_file"`
	SigningKeyS3Bucket  string         `json:"signing_key_s3_bucket"`
	SigningKeyS3Object  string         `json:"signing_key_s3_object"`
	S3Region            string         `json:"s3_region"`
	S3BaseEndpoint      string         `json:"s3_base_endpoint"`
	S3AccessKey         string         `json:"s3_access_key"`
	S3SecretKey         string         `json:"s3_secret_key"`
	AllowEphemeralKey   *bool          `json:"allow_ephemeral_key"`
	PreviousSigningKeys []string       `json:"previous_signing_keys"`
	KeyRotationGrace    timex.Duration `json:"key_rotation_grace"`

	SessionTokenTTL    timex.Duration `json:"session_token_ttl"`
	ResetTokenTTL      timex.Duration `json:"reset_token_ttl"`
	LockoutThreshold   int            `json:"lockout_threshold"`
	LockoutWindow      timex.Duration `json:"lockout_window"`
	AuditLookback      int            `json:"audit_lookback"`
	PasswordIterations int            `json:"password_iterations"`

	AdminToken     string         `json:"admin_token"`
	RateLimitRPS   *float64       `json:"rate_limit_rps"`
	RateLimitBurst int            `json:"rate_limit_burst"`
	KeyBatchMax    int            `json:"key_batch_max"`
	SweepInterval  timex.Duration `json:"sweep_interval"`
	TrustedProxies []string       `json:"trusted_proxies"`

	ShutdownTimeout timex.Duration `json:"shutdown_timeout"`
	LogLevel        string         `json:"log_level"`
	LogJSON         *bool          `json:"log_json"`
}

// parseJson overlays Config with the file named by -c or -config. Only
// fields present in the file replace current values. An unreadable file or
// invalid JSON panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SigningKey, c.SigningKey)
	setString(&config.SigningKeyFile, c.SigningKeyFile)
	setString(&config.SigningKeyS3Bucket, c.SigningKeyS3Bucket)
	setString(&config.SigningKeyS3Object, c.SigningKeyS3Object)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	if c.AllowEphemeralKey != nil {
		config.AllowEphemeralKey = *c.AllowEphemeralKey
	}
	if c.PreviousSigningKeys != nil {
		config.PreviousSigningKeys = c.PreviousSigningKeys
	}
	setDuration(&config.KeyRotationGrace, c.KeyRotationGrace)

	setDuration(&config.SessionTokenTTL, c.SessionTokenTTL)
	setDuration(&config.ResetTokenTTL, c.ResetTokenTTL)
	setInt(&config.LockoutThreshold, c.LockoutThreshold)
	setDuration(&config.LockoutWindow, c.LockoutWindow)
	setInt(&config.AuditLookback, c.AuditLookback)
	setInt(&config.PasswordIterations, c.PasswordIterations)

	setString(&config.AdminToken, c.AdminToken)
	if c.RateLimitRPS != nil {
		config.RateLimitRPS = *c.RateLimitRPS
	}
	setInt(&config.RateLimitBurst, c.RateLimitBurst)
	setInt(&config.KeyBatchMax, c.KeyBatchMax)
	setDuration(&config.SweepInterval, c.SweepInterval)
	if c.TrustedProxies != nil {
		config.TrustedProxies = c.TrustedProxies
	}

	setDuration(&config.ShutdownTimeout, c.ShutdownTimeout)
	setString(&config.LogLevel, c.LogLevel)
	if c.LogJSON != nil {
		config.LogJSON = *c.LogJSON
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
