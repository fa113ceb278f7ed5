package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridEmail sends mail through the SendGrid v3 API.
type SendGridEmail struct {
	client *sendgrid.Client
	from   *sgmail.Email
}

// NewSendGridEmail builds a sender for an API key and from address.
func NewSendGridEmail(apiKey, fromName, fromEmail string) *SendGridEmail {
	return &SendGridEmail{
		client: sendgrid.NewSendClient(apiKey),
		from:   sgmail.NewEmail(fromName, fromEmail),
	}
}

func (s *SendGridEmail) SendEmail(ctx context.Context, to, subject, text, html string) (string, error) {
	p := sgmail.NewPersonalization()
	p.Subject = subject
	p.AddTos(sgmail.NewEmail("", to))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", text))
	if html != "" {
		m.AddContent(sgmail.NewContent("text/html", html))
	}

	res, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return "", fmt.Errorf("sendgrid send: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("sendgrid send: status %d: %s", res.StatusCode, res.Body)
	}
	if ids := res.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}
