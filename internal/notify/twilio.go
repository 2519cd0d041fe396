package notify

import (
	"context"
	"errors"
	"fmt"

	"fintrack-auth/internal/config"

	twilio "github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MessageCreator is the slice of the Twilio REST API the SMS channel uses.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type TwilioChannel struct {
	api  MessageCreator
	from string
}

func NewTwilioChannel(cfg config.TwilioConfig) (*TwilioChannel, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromPhone == "" {
		return nil, errors.New("twilio: account sid, auth token and from phone are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewTwilioChannelWithAPI(client.Api, cfg.FromPhone), nil
}

func NewTwilioChannelWithAPI(api MessageCreator, from string) *TwilioChannel {
	return &TwilioChannel{api: api, from: from}
}

func (c *TwilioChannel) Send(ctx context.Context, to Destination, msg Message) error {
	if to.Kind != KindPhone {
		return fmt.Errorf("twilio: cannot deliver to %s", to.Kind)
	}
	_, body := Render(msg)

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to.Address)
	params.SetFrom(c.from)
	params.SetBody(body)

	return await(ctx, func() error {
		if _, err := c.api.CreateMessage(params); err != nil {
			return fmt.Errorf("failed to send sms via twilio: %w", err)
		}
		return nil
	})
}
