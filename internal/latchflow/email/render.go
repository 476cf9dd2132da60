package email

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"time"
)

// Render assembles the RFC 5322 message bytes. BCC addresses stay out of the
// headers; they only appear on the envelope. Both bodies present produces a
// multipart/alternative message with the HTML part last.
func (m *Message) Render(defaultFrom Address) ([]byte, error) {
	from := defaultFrom
	if m.From != nil {
		from = *m.From
	}

	var b bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}

	header("From", from.String())
	header("To", joinAddresses(m.To))
	if len(m.CC) > 0 {
		header("Cc", joinAddresses(m.CC))
	}
	if m.ReplyTo != nil {
		header("Reply-To", m.ReplyTo.String())
	}
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", time.Now().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	for _, k := range sortedHeaderKeys(m.Headers) {
		header(textproto.CanonicalMIMEHeaderKey(k), m.Headers[k])
	}

	switch {
	case m.TextBody != "" && m.HTMLBody != "":
		mw := multipart.NewWriter(&b)
		header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
		b.WriteString("\r\n")
		if err := writePart(mw, "text/plain; charset=utf-8", m.TextBody); err != nil {
			return nil, err
		}
		if err := writePart(mw, "text/html; charset=utf-8", m.HTMLBody); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("email: close multipart body: %w", err)
		}
	case m.HTMLBody != "":
		header("Content-Type", "text/html; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(m.HTMLBody)
	default:
		header("Content-Type", "text/plain; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(m.TextBody)
	}

	return b.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {contentType}})
	if err != nil {
		return fmt.Errorf("email: create body part: %w", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return fmt.Errorf("email: write body part: %w", err)
	}
	return nil
}
