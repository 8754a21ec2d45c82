package email

import (
	"context"

	"gopkg.in/mail.v2"
)

type Client struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
}

func NewClient(smtpHost string, smtpPort int, username, password, from string) *Client {
	return &Client{
		smtpHost: smtpHost,
		smtpPort: smtpPort,
		username: username,
		password: password,
		from:     from,
	}
}

// Name identifies the provider in delivery analytics.
func (c *Client) Name() string { return "smtp" }

// Send delivers one email. When the metadata carries a rendered HTML body
// under "html", it is attached as the rich alternative.
func (c *Client) Send(_ context.Context, to, subject, body string, metadata map[string]any) error {
	message := mail.NewMessage()

	message.SetHeader("From", c.from)
	message.SetHeader("To", to)
	message.SetHeader("Subject", subject)

	message.SetBody("text/plain", body)
	if html, ok := metadata["html"].(string); ok && html != "" {
		message.AddAlternative("text/html", html)
	}

	dialer := mail.NewDialer(c.smtpHost, c.smtpPort, c.username, c.password)

	return dialer.DialAndSend(message)
}
