package app_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/app"
	"github.com/latchflow/latchflow/internal/latchflow/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Env:          "development",
		Port:         0,
		BaseURL:      "http://localhost:8080",
		DatabasePath: filepath.Join(dir, "latchflow.db"),
		SystemUserID: "system",

		StorageDriver:   "memory",
		StorageBucket:   "latchflow",
		QueueDriver:     "memory",
		RebuildDebounce: 5 * time.Millisecond,

		ActionConcurrency:    1,
		ActionTimeout:        time.Second,
		ConfigEncryptionMode: "none",

		SnapshotInterval: 5,
		MaxChainDepth:    50,

		AdminSessionCookie:     "lf_admin_sess",
		RecipientSessionCookie: "lf_recipient_sess",
		OTPLength:              6,
		OTPTTL:                 10 * time.Minute,
		RecipientSessionTTL:    2 * time.Hour,
		MagicLinkTTL:           15 * time.Minute,
		AdminSessionTTL:        12 * time.Hour,
		DeviceCodeTTL:          10 * time.Minute,
		DeviceCodeInterval:     5 * time.Second,
		APITokenPrefix:         "lfk_",
	}
}

// New wires every subsystem against real (temp-file and in-memory)
// drivers; Stop must release them without Run ever being called.
func TestNew_WiresAndStopsCleanly(t *testing.T) {
	a, err := app.New(testConfig(t))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	a.Stop()
}

func TestNew_RejectsUnknownStorageDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageDriver = "tape"
	if _, err := app.New(cfg); err == nil {
		t.Fatal("expected error for unknown storage driver")
	}
}

func TestNew_RejectsBadEncryptionKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConfigEncryptionMode = "aes-gcm"
	cfg.ConfigEncryptionKey = "not-hex"
	if _, err := app.New(cfg); err == nil {
		t.Fatal("expected error for a non-hex master key")
	}
}
