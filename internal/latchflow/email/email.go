// Package email delivers transactional mail: auth ceremony messages (OTP,
// magic link) and the built-in email_send action. Providers are selected by
// configuration; tests and keyless dev setups use the in-memory capture
// provider.
package email

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
)

// Address is one mail sender or recipient.
type Address struct {
	Address     string
	DisplayName string
}

// ParseAddress accepts "addr@host" or "Name <addr@host>".
func ParseAddress(s string) (Address, error) {
	parsed, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("email: parse address %q: %w", s, err)
	}
	return Address{Address: parsed.Address, DisplayName: parsed.Name}, nil
}

// String renders the address for a message header.
func (a Address) String() string {
	if a.DisplayName == "" {
		return a.Address
	}
	return (&mail.Address{Name: a.DisplayName, Address: a.Address}).String()
}

func (a *Address) normalize() error {
	a.Address = strings.ToLower(strings.TrimSpace(a.Address))
	a.DisplayName = strings.TrimSpace(a.DisplayName)
	at := strings.Index(a.Address, "@")
	if at <= 0 || at == len(a.Address)-1 {
		return fmt.Errorf("email: invalid address %q", a.Address)
	}
	return nil
}

// NormalizeAddress lowercases and validates a bare address string.
func NormalizeAddress(s string) (string, error) {
	a := Address{Address: s}
	if err := a.normalize(); err != nil {
		return "", err
	}
	return a.Address, nil
}

// Message is one outbound mail. From defaults to the provider's sender.
type Message struct {
	From     *Address
	ReplyTo  *Address
	To       []Address
	CC       []Address
	BCC      []Address
	Subject  string
	TextBody string
	HTMLBody string
	Headers  map[string]string
}

// Normalize cleans every address in place and validates the message shape.
func (m *Message) Normalize() error {
	for _, group := range [][]Address{m.To, m.CC, m.BCC} {
		for i := range group {
			if err := group[i].normalize(); err != nil {
				return err
			}
		}
	}
	if m.From != nil {
		if err := m.From.normalize(); err != nil {
			return err
		}
	}
	if m.ReplyTo != nil {
		if err := m.ReplyTo.normalize(); err != nil {
			return err
		}
	}
	if len(m.To) == 0 {
		return fmt.Errorf("email: message has no recipients")
	}
	if m.TextBody == "" && m.HTMLBody == "" {
		return fmt.Errorf("email: message has no body")
	}
	return nil
}

// Recipients returns every envelope recipient (To, CC and BCC).
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.CC)+len(m.BCC))
	for _, group := range [][]Address{m.To, m.CC, m.BCC} {
		for _, a := range group {
			out = append(out, a.Address)
		}
	}
	return out
}

func joinAddresses(addrs []Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func sortedHeaderKeys(h map[string]string) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Provider delivers mail.
type Provider interface {
	SendEmail(ctx context.Context, msg Message) error
}

// NewProvider selects a provider. A non-empty smtpAddr selects SMTP;
// otherwise mail is captured in memory and logged, which keeps dev setups
// working without a relay.
func NewProvider(smtpAddr, from, username, password string) (Provider, error) {
	if smtpAddr == "" {
		return NewMemoryProvider(), nil
	}
	return NewSMTPProvider(smtpAddr, from, username, password)
}
