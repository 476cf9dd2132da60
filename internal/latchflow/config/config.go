// Package config resolves the Latchflow runtime configuration from
// environment variables. Every knob has a default suitable for local
// development; production deployments override through the environment or a
// .env file loaded by the entrypoint.
package config

import (
	"fmt"
	"time"

	"github.com/latchflow/latchflow/common/environment"
)

// Config holds every runtime setting the application wires from.
type Config struct {
	// Env is "development" or "production". Dev mode relaxes cookie
	// security defaults and allows login_url responses.
	Env          string
	Port         int
	BaseURL      string
	DatabasePath string
	LogLevel     string

	// SystemUserID attributes system-initiated changes in the change log.
	SystemUserID string

	// Storage driver selection and driver settings.
	StorageDriver     string
	StorageBasePath   string
	StorageBucket     string
	StorageKeyPrefix  string
	StorageConfigJSON string

	// Queue driver selection and broker settings.
	QueueDriver     string
	QueueConfigJSON string
	NATSURL         string
	NATSStream      string

	// Plugin runtime.
	PluginsPath          string
	ActionConcurrency    int
	ActionTimeout        time.Duration
	ConfigEncryptionMode string
	ConfigEncryptionKey  string

	// Bundle scheduler.
	RebuildDebounce time.Duration

	// Change-log history.
	SnapshotInterval int
	MaxChainDepth    int

	// Auth ceremonies.
	AdminSessionCookie     string
	RecipientSessionCookie string
	OTPLength              int
	OTPTTL                 time.Duration
	RecipientSessionTTL    time.Duration
	MagicLinkTTL           time.Duration
	AdminSessionTTL        time.Duration
	CookieSecure           bool
	AllowDevAuth           bool
	DeviceCodeTTL          time.Duration
	DeviceCodeInterval     time.Duration
	APITokenPrefix         string
	APITokenTTL            time.Duration
	APITokenScopesDefault  []string

	// Authorization policy.
	PolicyPath   string
	PolicyReload bool

	// Email delivery. An empty SMTPAddr selects the log-only provider.
	SMTPAddr     string
	SMTPFrom     string
	SMTPUser     string
	SMTPPassword string
}

// FromEnv builds a Config from the process environment.
func FromEnv() *Config {
	env := environment.FirstOr("development", "LATCHFLOW_ENV", "NODE_ENV")

	cfg := &Config{
		Env:          env,
		Port:         environment.IntOr("PORT", 8080),
		BaseURL:      environment.StringOr("BASE_URL", "http://localhost:8080"),
		DatabasePath: environment.StringOr("DATABASE_PATH", "./latchflow.db"),
		LogLevel:     environment.StringOr("LOG_LEVEL", "info"),
		SystemUserID: environment.StringOr("SYSTEM_USER_ID", "system"),

		StorageDriver:     environment.StringOr("STORAGE_DRIVER", "fs"),
		StorageBasePath:   environment.StringOr("STORAGE_BASE_PATH", "./data/storage"),
		StorageBucket:     environment.StringOr("STORAGE_BUCKET", "latchflow"),
		StorageKeyPrefix:  environment.StringOr("STORAGE_KEY_PREFIX", "lf"),
		StorageConfigJSON: environment.StringOr("STORAGE_CONFIG_JSON", ""),

		QueueDriver:     environment.StringOr("QUEUE_DRIVER", "memory"),
		QueueConfigJSON: environment.StringOr("QUEUE_CONFIG_JSON", ""),
		NATSURL:         environment.StringOr("NATS_URL", "nats://127.0.0.1:4222"),
		NATSStream:      environment.StringOr("NATS_STREAM", "LATCHFLOW_ACTIONS"),

		PluginsPath:          environment.StringOr("PLUGINS_PATH", ""),
		ActionConcurrency:    environment.IntOr("PLUGIN_ACTION_CONCURRENCY", 10),
		ActionTimeout:        time.Duration(environment.IntOr("PLUGIN_ACTION_TIMEOUT_SEC", 60)) * time.Second,
		ConfigEncryptionMode: environment.StringOr("CONFIG_ENCRYPTION_MODE", "none"),
		ConfigEncryptionKey:  environment.StringOr("CONFIG_ENCRYPTION_KEY", ""),

		RebuildDebounce: time.Duration(environment.IntOr("BUNDLE_REBUILD_DEBOUNCE_MS", 500)) * time.Millisecond,

		SnapshotInterval: environment.IntOr("HISTORY_SNAPSHOT_INTERVAL", 20),
		MaxChainDepth:    environment.IntOr("HISTORY_MAX_CHAIN_DEPTH", 200),

		AdminSessionCookie:     environment.StringOr("ADMIN_SESSION_COOKIE", "lf_admin_sess"),
		RecipientSessionCookie: environment.StringOr("RECIPIENT_SESSION_COOKIE", "lf_recipient_sess"),
		OTPLength:              environment.IntOr("RECIPIENT_OTP_LENGTH", 6),
		OTPTTL:                 time.Duration(environment.IntOr("RECIPIENT_OTP_TTL_MIN", 10)) * time.Minute,
		RecipientSessionTTL:    time.Duration(environment.IntOr("RECIPIENT_SESSION_TTL_HOURS", 2)) * time.Hour,
		MagicLinkTTL:           time.Duration(environment.IntOr("ADMIN_MAGICLINK_TTL_MIN", 15)) * time.Minute,
		AdminSessionTTL:        time.Duration(environment.IntOr("AUTH_SESSION_TTL_HOURS", 12)) * time.Hour,
		CookieSecure:           environment.BoolOr("AUTH_COOKIE_SECURE", env == "production"),
		AllowDevAuth:           environment.BoolOr("ALLOW_DEV_AUTH", env != "production"),
		DeviceCodeTTL:          time.Duration(environment.IntOr("DEVICE_CODE_TTL_MIN", 10)) * time.Minute,
		DeviceCodeInterval:     time.Duration(environment.IntOr("DEVICE_CODE_INTERVAL_SEC", 5)) * time.Second,
		APITokenPrefix:         environment.StringOr("API_TOKEN_PREFIX", "lfk_"),
		APITokenTTL:            time.Duration(environment.IntOr("API_TOKEN_TTL_DAYS", 0)) * 24 * time.Hour,
		APITokenScopesDefault:  environment.StringSliceOr("API_TOKEN_SCOPES_DEFAULT", []string{"core:read"}),

		PolicyPath:   environment.StringOr("AUTHZ_POLICY_PATH", ""),
		PolicyReload: environment.BoolOr("AUTHZ_RELOAD", false),

		SMTPAddr:     environment.StringOr("SMTP_ADDR", ""),
		SMTPFrom:     environment.StringOr("SMTP_FROM", "latchflow@localhost"),
		SMTPUser:     environment.StringOr("SMTP_USER", ""),
		SMTPPassword: environment.StringOr("SMTP_PASSWORD", ""),
	}
	return cfg
}

// Validate rejects combinations that must not reach the wiring stage.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "fs", "memory":
	default:
		return fmt.Errorf("config: unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.QueueDriver {
	case "memory", "nats":
	default:
		return fmt.Errorf("config: unknown QUEUE_DRIVER %q", c.QueueDriver)
	}
	switch c.ConfigEncryptionMode {
	case "none":
	case "aes-gcm":
		if c.ConfigEncryptionKey == "" {
			return fmt.Errorf("config: CONFIG_ENCRYPTION_MODE=aes-gcm requires CONFIG_ENCRYPTION_KEY")
		}
	default:
		return fmt.Errorf("config: unknown CONFIG_ENCRYPTION_MODE %q", c.ConfigEncryptionMode)
	}
	if c.ActionConcurrency < 1 {
		return fmt.Errorf("config: PLUGIN_ACTION_CONCURRENCY must be >= 1, got %d", c.ActionConcurrency)
	}
	if c.SnapshotInterval < 1 {
		return fmt.Errorf("config: HISTORY_SNAPSHOT_INTERVAL must be >= 1, got %d", c.SnapshotInterval)
	}
	if c.OTPLength < 4 || c.OTPLength > 10 {
		return fmt.Errorf("config: RECIPIENT_OTP_LENGTH must be in [4,10], got %d", c.OTPLength)
	}
	return nil
}

// IsProduction reports whether the service runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
