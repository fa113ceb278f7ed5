package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioSMS sends text messages through the Twilio Messages API.
type TwilioSMS struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioSMS builds a sender for an account sid/token pair.
func NewTwilioSMS(accountSID, authToken, from string) *TwilioSMS {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSMS{client: client, from: from}
}

// SendSMS creates a message. The Twilio client takes no context, so the
// dispatcher's timeout wrapper bounds the call.
func (t *TwilioSMS) SendSMS(ctx context.Context, to, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(text)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio create message: %w", err)
	}
	if resp.Sid == nil {
		return "", errors.New("twilio returned no message sid")
	}
	return *resp.Sid, nil
}
