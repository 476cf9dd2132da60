package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/latchflow/latchflow/common/retry"
)

// SMTPProvider sends through a relay with net/smtp. Plain auth is used when
// credentials are configured.
type SMTPProvider struct {
	addr string
	from Address
	auth smtp.Auth
}

func NewSMTPProvider(addr, from, username, password string) (*SMTPProvider, error) {
	sender, err := ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("email: smtp sender: %w", err)
	}
	p := &SMTPProvider{addr: addr, from: sender}
	if username != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i > 0 {
			host = addr[:i]
		}
		p.auth = smtp.PlainAuth("", username, password, host)
	}
	return p, nil
}

func (p *SMTPProvider) SendEmail(ctx context.Context, msg Message) error {
	if err := msg.Normalize(); err != nil {
		return err
	}
	// net/smtp dials synchronously with no context; honor cancellation at
	// the boundary.
	if err := ctx.Err(); err != nil {
		return err
	}

	from := p.from
	if msg.From != nil {
		from = *msg.From
	}
	body, err := msg.Render(p.from)
	if err != nil {
		return err
	}
	// Relays drop connections under load; a short retry covers the gap
	// without holding the ceremony open for long.
	err = retry.Do(ctx, retry.DefaultConfig, func() error {
		return smtp.SendMail(p.addr, p.auth, from.Address, msg.Recipients(), body)
	})
	if err != nil {
		return fmt.Errorf("email: smtp send via %s: %w", p.addr, err)
	}
	return nil
}
