package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/jordan-wright/email"
	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/config"
)

// Email delivers notifications via SMTP.
type Email struct {
	cfg config.SMTP
}

// NewEmail creates an email notifier from configuration.
func NewEmail(cfg config.SMTP) *Email {
	return &Email{cfg: cfg}
}

// SendInfo mails the text to the configured recipients.
func (e *Email) SendInfo(ctx context.Context, text string) {
	e.send("Rebalancer update", text)
}

// SendError mails the text with an error subject.
func (e *Email) SendError(ctx context.Context, text string) {
	e.send("Rebalancer error", text)
}

func (e *Email) send(subject, text string) {
	if len(e.cfg.To) == 0 {
		return
	}

	msg := email.NewEmail()
	msg.From = e.cfg.From
	msg.To = e.cfg.To
	msg.Subject = subject
	msg.Text = []byte(text)

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	if err := msg.Send(addr, auth); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("EmailNotifier: delivery failed")
	}
}
