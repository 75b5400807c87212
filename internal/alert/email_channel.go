package alert

import (
	"context"
	"fmt"
	"net/smtp"
)

// EmailChannel is the default alert channel. It is built on net/smtp
// rather than a third-party mailer: no repo in the dependency pack
// sends email at all, so there is nothing to ground a replacement on
// (see DESIGN.md).
type EmailChannel struct {
	addr string
	from string
	to   string
	auth smtp.Auth
}

func NewEmailChannel(addr, from, to string) *EmailChannel {
	return &EmailChannel{addr: addr, from: from, to: to}
}

func (c *EmailChannel) Send(ctx context.Context, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", c.from, c.to, subject, body)
	if err := smtp.SendMail(c.addr, c.auth, c.from, []string{c.to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending alert email: %w", err)
	}
	return nil
}
