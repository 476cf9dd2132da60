package plugin

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/latchflow/latchflow/common/crypto"
)

const (
	EncryptionModeNone   = "none"
	EncryptionModeAESGCM = "aes-gcm"
)

// encEnvelope wraps an encrypted config at rest. A stored config without
// this envelope is treated as plaintext.
type encEnvelope struct {
	Enc  string `json:"$enc"`
	Data string `json:"data"`
}

// ConfigEncryption transforms definition configs for storage. Mode "none"
// passes bytes through; mode "aes-gcm" seals them with AES-256-GCM inside a
// {"$enc":"aes-gcm","data":...} envelope.
type ConfigEncryption struct {
	mode string
	key  []byte
}

// NewConfigEncryption resolves the requested mode. aes-gcm without a master
// key refuses to start; an unknown mode degrades to none with a warning. The
// key is retained even in mode none so rows sealed before a mode change stay
// readable.
func NewConfigEncryption(mode string, key []byte) (*ConfigEncryption, error) {
	switch mode {
	case "", EncryptionModeNone:
		return &ConfigEncryption{mode: EncryptionModeNone, key: key}, nil
	case EncryptionModeAESGCM:
		if len(key) == 0 {
			return nil, fmt.Errorf("plugin: config encryption mode aes-gcm requires a master key")
		}
		return &ConfigEncryption{mode: EncryptionModeAESGCM, key: key}, nil
	default:
		slog.Warn("plugin: unknown config encryption mode, degrading to none", "mode", mode)
		return &ConfigEncryption{mode: EncryptionModeNone, key: key}, nil
	}
}

func (c *ConfigEncryption) Mode() string { return c.mode }

// Encrypt seals cfg for storage. Mode none and empty configs pass through.
func (c *ConfigEncryption) Encrypt(cfg json.RawMessage) (json.RawMessage, error) {
	if c.mode != EncryptionModeAESGCM || len(cfg) == 0 {
		return cfg, nil
	}
	sealed, err := crypto.Encrypt(c.key, cfg)
	if err != nil {
		return nil, fmt.Errorf("plugin: encrypt config: %w", err)
	}
	out, err := json.Marshal(encEnvelope{
		Enc:  EncryptionModeAESGCM,
		Data: base64.RawURLEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, fmt.Errorf("plugin: marshal config envelope: %w", err)
	}
	return out, nil
}

// Decrypt opens a stored config. A config without the envelope passes
// through untouched so rows written before encryption was enabled stay
// readable.
func (c *ConfigEncryption) Decrypt(cfg json.RawMessage) (json.RawMessage, error) {
	if len(cfg) == 0 {
		return cfg, nil
	}
	var env encEnvelope
	if err := json.Unmarshal(cfg, &env); err != nil || env.Enc == "" {
		return cfg, nil
	}
	if env.Enc != EncryptionModeAESGCM {
		return nil, fmt.Errorf("plugin: unknown config encryption envelope %q", env.Enc)
	}
	if len(c.key) == 0 {
		return nil, fmt.Errorf("plugin: config is encrypted but no master key is configured")
	}
	sealed, err := base64.RawURLEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("plugin: decode config envelope: %w", err)
	}
	plain, err := crypto.Decrypt(c.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("plugin: decrypt config: %w", err)
	}
	return plain, nil
}
