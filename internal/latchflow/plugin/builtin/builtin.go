// Package builtin ships the capabilities every installation has without
// loading external plugins: a cron trigger, a webhook trigger and an
// email_send action.
package builtin

import (
	"context"
	"fmt"

	"github.com/latchflow/latchflow/internal/latchflow/email"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
)

const PluginName = "builtin"

const cronConfigSchema = `{
	"type": "object",
	"required": ["schedule"],
	"properties": {
		"schedule": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const webhookConfigSchema = `{
	"type": "object",
	"properties": {
		"secret": {"type": "string", "minLength": 8}
	},
	"additionalProperties": false
}`

const emailSendConfigSchema = `{
	"type": "object",
	"required": ["to", "subject", "body"],
	"properties": {
		"to": {"type": "string", "minLength": 3},
		"subject": {"type": "string", "minLength": 1},
		"body": {"type": "string"}
	},
	"additionalProperties": false
}`

// Register persists the builtin plugin rows and wires its factories.
// Idempotent across restarts.
func Register(ctx context.Context, r *plugin.Registrar, provider email.Provider, hub *WebhookHub) error {
	p, err := r.Plugin(ctx, PluginName, "Built-in triggers and actions")
	if err != nil {
		return err
	}

	if err := r.Trigger(ctx, p, plugin.CapabilitySpec{
		Key:          "cron",
		DisplayName:  "Cron schedule",
		ConfigSchema: cronConfigSchema,
	}, NewCronTrigger); err != nil {
		return fmt.Errorf("builtin: register cron: %w", err)
	}

	if err := r.Trigger(ctx, p, plugin.CapabilitySpec{
		Key:          "webhook",
		DisplayName:  "Inbound webhook",
		ConfigSchema: webhookConfigSchema,
	}, hub.Factory); err != nil {
		return fmt.Errorf("builtin: register webhook: %w", err)
	}

	if err := r.Action(ctx, p, plugin.CapabilitySpec{
		Key:          "email_send",
		DisplayName:  "Send email",
		ConfigSchema: emailSendConfigSchema,
	}, EmailSendFactory(provider)); err != nil {
		return fmt.Errorf("builtin: register email_send: %w", err)
	}

	return nil
}
