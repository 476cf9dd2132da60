package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/latchflow/latchflow/common/crypto"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
)

// SecretHeader carries the shared secret on inbound hook requests.
const SecretHeader = "X-Latchflow-Secret"

var (
	ErrUnknownHook = errors.New("builtin: no running webhook trigger for definition")
	ErrBadSecret   = errors.New("builtin: webhook secret mismatch")
)

// WebhookHub routes inbound hook requests to the webhook trigger runtimes
// currently running. The HTTP layer mounts it under POST /hooks/{definitionId}.
type WebhookHub struct {
	mu       sync.RWMutex
	triggers map[string]*webhookTrigger
}

func NewWebhookHub() *WebhookHub {
	return &WebhookHub{triggers: make(map[string]*webhookTrigger)}
}

// Receive forwards one inbound hook to the running trigger runtime and
// returns the persisted event id.
func (h *WebhookHub) Receive(ctx context.Context, definitionID, providedSecret string, body json.RawMessage) (string, error) {
	h.mu.RLock()
	t, ok := h.triggers[definitionID]
	h.mu.RUnlock()
	if !ok {
		return "", ErrUnknownHook
	}
	return t.receive(ctx, providedSecret, body)
}

// Active reports whether a webhook trigger is running for the definition.
func (h *WebhookHub) Active(definitionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.triggers[definitionID]
	return ok
}

func (h *WebhookHub) attach(definitionID string, t *webhookTrigger) {
	h.mu.Lock()
	h.triggers[definitionID] = t
	h.mu.Unlock()
}

func (h *WebhookHub) detach(definitionID string) {
	h.mu.Lock()
	delete(h.triggers, definitionID)
	h.mu.Unlock()
}

// Factory is the trigger factory registered for the webhook capability.
func (h *WebhookHub) Factory(tc plugin.TriggerContext) (plugin.TriggerRuntime, error) {
	secret, err := parseWebhookConfig(tc.Config)
	if err != nil {
		return nil, err
	}
	return &webhookTrigger{
		hub:          h,
		definitionID: tc.DefinitionID,
		services:     tc.Services,
		secret:       secret,
	}, nil
}

func parseWebhookConfig(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var cfg struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "", &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "webhook config is not valid JSON"}
	}
	return cfg.Secret, nil
}

// webhookTrigger emits whenever the hub hands it a validated request.
type webhookTrigger struct {
	hub          *WebhookHub
	definitionID string
	services     plugin.TriggerServices

	mu     sync.Mutex
	secret string
}

func (t *webhookTrigger) Start(ctx context.Context) error {
	t.hub.attach(t.definitionID, t)
	return nil
}

func (t *webhookTrigger) Stop(ctx context.Context) error {
	t.hub.detach(t.definitionID)
	return nil
}

func (t *webhookTrigger) OnConfigChange(ctx context.Context, cfg json.RawMessage) error {
	secret, err := parseWebhookConfig(cfg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.secret = secret
	t.mu.Unlock()
	return nil
}

func (t *webhookTrigger) receive(ctx context.Context, providedSecret string, body json.RawMessage) (string, error) {
	t.mu.Lock()
	secret := t.secret
	t.mu.Unlock()
	if secret != "" && !crypto.TokensEqual(secret, providedSecret) {
		return "", ErrBadSecret
	}

	meta, _ := json.Marshal(map[string]any{
		"source":     "webhook",
		"receivedAt": time.Now().UTC().Format(time.RFC3339),
	})
	return t.services.Emit(ctx, plugin.TriggerPayload{Context: body, Metadata: meta})
}
