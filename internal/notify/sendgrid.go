package notify

import (
	"context"
	"errors"
	"fmt"
	"html"

	"fintrack-auth/internal/config"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailSender is satisfied by *sendgrid.Client.
type EmailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridChannel struct {
	client  EmailSender
	from    *mail.Email
	sandbox bool
}

func NewSendGridChannel(cfg config.SendGridConfig) (*SendGridChannel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("sendgrid: api key is required")
	}
	return NewSendGridChannelWithClient(sendgrid.NewSendClient(cfg.APIKey), cfg), nil
}

func NewSendGridChannelWithClient(client EmailSender, cfg config.SendGridConfig) *SendGridChannel {
	return &SendGridChannel{
		client:  client,
		from:    mail.NewEmail(cfg.FromName, cfg.FromEmail),
		sandbox: cfg.SandboxMode,
	}
}

func (c *SendGridChannel) Send(ctx context.Context, to Destination, msg Message) error {
	if to.Kind != KindEmail {
		return fmt.Errorf("sendgrid: cannot deliver to %s", to.Kind)
	}
	subject, body := Render(msg)
	htmlBody := "<p>" + html.EscapeString(body) + "</p>"

	email := mail.NewSingleEmail(c.from, subject, mail.NewEmail("", to.Address), body, htmlBody)
	if c.sandbox {
		ms := mail.NewMailSettings()
		ms.SetSandboxMode(mail.NewSetting(true))
		email.MailSettings = ms
	}

	resp, err := c.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email via sendgrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid rejected email: status %d", resp.StatusCode)
	}
	return nil
}
