package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattendance/internal/config"
	"qrattendance/internal/notify"
	"qrattendance/internal/queue"
)

func TestProviderSelection(t *testing.T) {
	sms, err := SMSSender(config.App{SMSProvider: "console"})
	require.NoError(t, err)
	assert.IsType(t, &notify.ConsoleSMS{}, sms)

	_, err = SMSSender(config.App{SMSProvider: "twilio"})
	assert.Error(t, err)

	sms, err = SMSSender(config.App{SMSProvider: "twilio", TwilioAccountSID: "AC1", TwilioAuthToken: "t", TwilioFromNumber: "+1555"})
	require.NoError(t, err)
	assert.IsType(t, &notify.TwilioSMS{}, sms)

	email, err := EmailSender(config.App{EmailProvider: "smtp", SMTPHost: "localhost", SMTPPort: "25"})
	require.NoError(t, err)
	assert.IsType(t, &notify.SMTPEmail{}, email)

	email, err = EmailSender(config.App{EmailProvider: "sendgrid", SendgridAPIKey: "SG.x"})
	require.NoError(t, err)
	assert.IsType(t, &notify.SendGridEmail{}, email)

	email, err = EmailSender(config.App{EmailProvider: "none"})
	require.NoError(t, err)
	assert.Nil(t, email)

	_, err = EmailSender(config.App{EmailProvider: "pigeon"})
	assert.Error(t, err)
}

func TestQueueSelection(t *testing.T) {
	assert.IsType(t, &queue.InMemory{}, Queue(config.App{QueueBackend: "memory"}, nil))
}
