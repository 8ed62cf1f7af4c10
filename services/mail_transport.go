package services

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/google/uuid"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/mailer"

	"voucher-system/utils"
)

// MailTransport sends one email and returns the message id it was sent with.
type MailTransport interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

// PocketBaseMailer sends through the app's configured SMTP settings behind
// a circuit breaker.
type PocketBaseMailer struct {
	app     core.App
	breaker *utils.CircuitBreaker
}

func NewPocketBaseMailer(app core.App, breaker *utils.CircuitBreaker) *PocketBaseMailer {
	if breaker == nil {
		breaker = utils.NewCircuitBreaker("mailer")
	}
	return &PocketBaseMailer{app: app, breaker: breaker}
}

func (m *PocketBaseMailer) Send(ctx context.Context, to, subject, body string) (string, error) {
	meta := m.app.Settings().Meta
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), "voucher-system")

	message := &mailer.Message{
		From: mail.Address{
			Name:    meta.SenderName,
			Address: meta.SenderAddress,
		},
		To:      []mail.Address{{Address: to}},
		Subject: subject,
		Text:    body,
		HTML:    "<p>" + body + "</p>",
		Headers: map[string]string{"Message-ID": messageID},
	}

	_, err := m.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, m.app.NewMailClient().Send(message)
	})
	if err != nil {
		return "", fmt.Errorf("send mail to %s: %w", to, err)
	}
	return messageID, nil
}
