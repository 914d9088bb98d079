// Package mail defines the outbound mail boundary. Actual SMTP delivery is an
// external collaborator; the in-repo default only logs the message.
package mail

import (
	"context"

	"consultra.io/internal/obs"
)

// Message is a rendered outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes the message to the structured log instead of delivering
// it. Used in development and tests.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	obs.LogRequest(map[string]any{
		"level":   "info",
		"msg":     "mail_send",
		"to":      msg.To,
		"subject": msg.Subject,
	})
	return nil
}
