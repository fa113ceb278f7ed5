package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-message/mail"
)

// SMTPEmail sends multipart mail through a plain SMTP relay.
type SMTPEmail struct {
	addr     string
	auth     smtp.Auth
	from     *mail.Address
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPEmail builds a sender; auth is skipped when username is empty.
func NewSMTPEmail(host, port, username, password, fromName, fromEmail string) *SMTPEmail {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPEmail{
		addr:     net.JoinHostPort(host, port),
		auth:     auth,
		from:     &mail.Address{Name: fromName, Address: fromEmail},
		sendMail: smtp.SendMail,
	}
}

func (s *SMTPEmail) SendEmail(ctx context.Context, to, subject, text, html string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, id, err := composeMail(s.from, to, subject, text, html, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.sendMail(s.addr, s.auth, s.from.Address, []string{to}, raw); err != nil {
		return "", fmt.Errorf("smtp send via %s: %w", s.addr, err)
	}
	return id, nil
}

// composeMail renders an RFC 5322 message with text and optional HTML
// alternatives and returns it with its Message-Id.
func composeMail(from *mail.Address, to, subject, text, html string, date time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generating message id: %w", err)
	}
	id, err := h.MessageID()
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("creating mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", err
	}
	if err := writePart(tw, "text/plain", text); err != nil {
		return nil, "", err
	}
	if html != "" {
		if err := writePart(tw, "text/html", html); err != nil {
			return nil, "", err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), id, nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}
