// Package plugin defines the trigger and action runtime contracts, the
// capability registry, and the config transformations (schema validation,
// encryption at rest) shared by the trigger manager and the action consumer.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrorKind classifies a plugin failure for retry handling.
type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION"
	KindPermission ErrorKind = "PERMISSION"
	KindFatal      ErrorKind = "FATAL"
	KindRetryable  ErrorKind = "RETRYABLE"
	KindRateLimit  ErrorKind = "RATE_LIMIT"
)

// Error codes shared between the registry, the trigger manager and the
// action consumer.
const (
	CodeCapabilityNotFound = "CAPABILITY_NOT_FOUND"
	CodeInvalidRuntime     = "INVALID_RUNTIME"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeActionTimeout      = "ACTION_TIMEOUT"
	CodeActionPanic        = "ACTION_PANIC"
)

// Error is a classified failure surfaced by a plugin runtime or the
// machinery around it.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string

	// RetryDelayMs is an optional hint for RETRYABLE and RATE_LIMIT errors.
	// Zero means the consumer picks the backoff.
	RetryDelayMs int64
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("plugin: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("plugin: %s: %s", e.Kind, e.Message)
}

// Classify extracts the plugin error from an error chain.
func Classify(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// TriggerRuntime is a long-lived emitter kept alive by the trigger manager.
type TriggerRuntime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ConfigReloader is implemented by trigger runtimes that can apply a config
// change without a restart.
type ConfigReloader interface {
	OnConfigChange(ctx context.Context, cfg json.RawMessage) error
}

// Disposer releases resources after a stop or an execute.
type Disposer interface {
	Dispose() error
}

// ActionRuntime executes one action invocation and is discarded after it.
type ActionRuntime interface {
	Execute(ctx context.Context, input ActionInput) (json.RawMessage, error)
}

// ActionInput is the payload handed to ActionRuntime.Execute.
type ActionInput struct {
	// Config is the decrypted definition config.
	Config json.RawMessage
	// Payload is the trigger context carried through the queue, if any.
	Payload json.RawMessage
	// Invocation identifies the attempt being executed.
	Invocation InvocationInfo
}

// InvocationInfo identifies the attempt an action execution belongs to.
type InvocationInfo struct {
	ID                 string
	ActionDefinitionID string
	TriggerEventID     string
	ManualInvokerID    string
	Attempt            int
}

// TriggerPayload is what a firing trigger hands to the runner.
type TriggerPayload struct {
	Context      json.RawMessage
	Metadata     json.RawMessage
	ScheduledFor *time.Time
}

// EmitFunc forwards a trigger payload to the runner and returns the
// persisted TriggerEvent id.
type EmitFunc func(ctx context.Context, payload TriggerPayload) (string, error)

// TriggerServices are the collaborators handed to a trigger runtime.
type TriggerServices struct {
	Logger *slog.Logger
	Emit   EmitFunc
}

// TriggerContext carries everything a trigger factory needs to build a
// runtime for one definition. Config arrives decrypted.
type TriggerContext struct {
	DefinitionID string
	Capability   Capability
	PluginName   string
	Config       json.RawMessage
	Services     TriggerServices
}

// TriggerFactory builds a runtime for one trigger definition.
type TriggerFactory func(tc TriggerContext) (TriggerRuntime, error)

// ActionServices are the collaborators handed to an action runtime.
type ActionServices struct {
	Logger *slog.Logger
}

// ActionContext carries what an action factory needs.
type ActionContext struct {
	Capability Capability
	PluginName string
	Services   ActionServices
}

// ActionFactory builds a runtime for one action execution.
type ActionFactory func(ac ActionContext) (ActionRuntime, error)

// RetryRequest is the envelope an action may resolve with instead of a
// final result to ask for another attempt.
type RetryRequest struct {
	DelayMs *int64 `json:"delayMs,omitempty"`
}

// ParseRetry reports whether a resolved action result is a retry envelope.
func ParseRetry(result json.RawMessage) (RetryRequest, bool) {
	if len(result) == 0 {
		return RetryRequest{}, false
	}
	var probe struct {
		Retry *RetryRequest `json:"retry"`
	}
	if err := json.Unmarshal(result, &probe); err != nil || probe.Retry == nil {
		return RetryRequest{}, false
	}
	return *probe.Retry, true
}
