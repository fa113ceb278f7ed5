package notify

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
)

// SMSSender delivers a text message and returns the provider's message id.
type SMSSender interface {
	SendSMS(ctx context.Context, to, text string) (string, error)
}

// EmailSender delivers an email and returns the provider's message id.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, text, html string) (string, error)
}

// ConsoleSMS logs messages instead of sending them.
type ConsoleSMS struct {
	seq atomic.Int64
}

func (c *ConsoleSMS) SendSMS(_ context.Context, to, text string) (string, error) {
	id := fmt.Sprintf("console-sms-%d", c.seq.Add(1))
	log.Printf("[notify] sms to %s (%s): %s", to, id, text)
	return id, nil
}

// ConsoleEmail logs messages instead of sending them.
type ConsoleEmail struct {
	seq atomic.Int64
}

func (c *ConsoleEmail) SendEmail(_ context.Context, to, subject, text, _ string) (string, error) {
	id := fmt.Sprintf("console-email-%d", c.seq.Add(1))
	log.Printf("[notify] email to %s (%s): %s | %s", to, id, subject, text)
	return id, nil
}
