// Package app builds the shared pieces both binaries need from config.
package app

import (
	"fmt"

	"qrattendance/internal/config"
	"qrattendance/internal/notify"
	"qrattendance/internal/queue"
	"qrattendance/internal/store"
)

// NotificationQueue is the Redis list key for notification jobs.
const NotificationQueue = "attendance:notifications"

// Queue selects the queue backend.
func Queue(cfg config.App, redis *store.Redis) queue.Queue {
	if cfg.QueueBackend == "memory" {
		return queue.NewInMemory(256)
	}
	return queue.NewRedisQueue(redis.Client, NotificationQueue)
}

// SMSSender selects the SMS provider.
func SMSSender(cfg config.App) (notify.SMSSender, error) {
	switch cfg.SMSProvider {
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" {
			return nil, fmt.Errorf("twilio: TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required")
		}
		return notify.NewTwilioSMS(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber), nil
	case "console", "":
		return &notify.ConsoleSMS{}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown SMS_PROVIDER %q", cfg.SMSProvider)
	}
}

// EmailSender selects the email provider.
func EmailSender(cfg config.App) (notify.EmailSender, error) {
	switch cfg.EmailProvider {
	case "sendgrid":
		if cfg.SendgridAPIKey == "" {
			return nil, fmt.Errorf("sendgrid: SENDGRID_API_KEY is required")
		}
		return notify.NewSendGridEmail(cfg.SendgridAPIKey, cfg.MailFromName, cfg.MailFrom), nil
	case "smtp":
		return notify.NewSMTPEmail(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFromName, cfg.MailFrom), nil
	case "console", "":
		return &notify.ConsoleEmail{}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q", cfg.EmailProvider)
	}
}

// Dispatcher wires the configured providers to a notification store.
func Dispatcher(cfg config.App, db *store.DB) (*notify.Dispatcher, error) {
	sms, err := SMSSender(cfg)
	if err != nil {
		return nil, err
	}
	email, err := EmailSender(cfg)
	if err != nil {
		return nil, err
	}
	return notify.NewDispatcher(notify.NewRepository(db.Client), sms, email, notify.Config{
		ProviderTimeout: cfg.ProviderTimeout,
		MaxRetries:      cfg.NotifyMaxRetries,
	}), nil
}
