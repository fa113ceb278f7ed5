package notify

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPEmailSend(t *testing.T) {
	s := NewSMTPEmail("mail.example.com", "587", "", "", "Office", "office@example.com")

	var gotAddr, gotFrom string
	var gotTo []string
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo = addr, from, to
		assert.Nil(t, a)
		assert.Contains(t, string(msg), "Subject: Ana absent")
		return nil
	}

	id, err := s.SendEmail(context.Background(), "parent@example.com", "Ana absent", "text", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "office@example.com", gotFrom)
	assert.Equal(t, []string{"parent@example.com"}, gotTo)

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("relay denied") }
	_, err = s.SendEmail(context.Background(), "parent@example.com", "x", "y", "")
	assert.ErrorContains(t, err, "relay denied")
}
