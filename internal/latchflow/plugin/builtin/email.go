package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"text/template"

	"github.com/latchflow/latchflow/internal/latchflow/email"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
)

// emailSendAction delivers one mail per invocation. Config fields are
// rendered as templates over the trigger context, so a pipeline can address
// mail from event data.
type emailSendAction struct {
	provider email.Provider
}

// EmailSendFactory builds the action factory bound to a mail provider.
func EmailSendFactory(provider email.Provider) plugin.ActionFactory {
	return func(plugin.ActionContext) (plugin.ActionRuntime, error) {
		return &emailSendAction{provider: provider}, nil
	}
}

type emailSendConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (a *emailSendAction) Execute(ctx context.Context, input plugin.ActionInput) (json.RawMessage, error) {
	var cfg emailSendConfig
	if err := json.Unmarshal(input.Config, &cfg); err != nil {
		return nil, &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "email_send config is not valid JSON"}
	}
	if cfg.To == "" || cfg.Subject == "" || cfg.Body == "" {
		return nil, &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "email_send config requires to, subject and body"}
	}

	data := map[string]any{}
	if len(input.Payload) > 0 {
		// A non-object payload just means no template data.
		_ = json.Unmarshal(input.Payload, &data)
	}

	to, err := renderField("to", cfg.To, data)
	if err != nil {
		return nil, err
	}
	subject, err := renderField("subject", cfg.Subject, data)
	if err != nil {
		return nil, err
	}
	body, err := renderField("body", cfg.Body, data)
	if err != nil {
		return nil, err
	}

	addr, err := email.ParseAddress(to)
	if err != nil {
		return nil, &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "email_send rendered an invalid recipient: " + to}
	}

	msg := email.Message{
		To:       []email.Address{addr},
		Subject:  subject,
		TextBody: body,
	}
	if err := a.provider.SendEmail(ctx, msg); err != nil {
		return nil, &plugin.Error{Kind: plugin.KindRetryable, Code: "EMAIL_SEND_FAILED", Message: err.Error()}
	}

	return json.Marshal(map[string]any{"sent": true, "to": addr.Address})
}

func renderField(name, tmpl string, data map[string]any) (string, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "email_send " + name + " template: " + err.Error()}
	}
	var out bytes.Buffer
	if err := t.Execute(&out, data); err != nil {
		return "", &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "email_send " + name + " template: " + err.Error()}
	}
	return out.String(), nil
}
