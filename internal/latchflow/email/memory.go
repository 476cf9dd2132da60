package email

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryProvider captures messages instead of delivering them. It backs
// tests and relay-less dev setups; sends are logged without bodies because
// auth mails carry one-time codes.
type MemoryProvider struct {
	mu   sync.Mutex
	sent []Message
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

func (p *MemoryProvider) SendEmail(ctx context.Context, msg Message) error {
	if err := msg.Normalize(); err != nil {
		return err
	}
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	p.mu.Unlock()
	slog.Info("email: captured message", "to", msg.Recipients(), "subject", msg.Subject)
	return nil
}

// Messages returns a copy of everything captured so far.
func (p *MemoryProvider) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}

// Reset drops captured messages.
func (p *MemoryProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = nil
}
