package authcore

import (
	"context"
	"time"
)

// Mailer delivers recovery tokens out of band. The engine hands the mailer
// the only copy of the raw token it will ever expose; delivery failures are
// logged and audited but never change the caller-facing acknowledgement.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error
	SendEmailVerification(ctx context.Context, email, token string, expiresAt time.Time) error
}

// NoOpMailer discards all mail. It is the default when no mailer is wired,
// which effectively disables the recovery flows without erroring them.
type NoOpMailer struct{}

func (NoOpMailer) SendPasswordReset(context.Context, string, string, time.Time) error {
	return nil
}

func (NoOpMailer) SendEmailVerification(context.Context, string, string, time.Time) error {
	return nil
}

// MailKind labels a captured message.
type MailKind string

const (
	MailPasswordReset     MailKind = "password_reset"
	MailEmailVerification MailKind = "email_verification"
)

// Mail is one captured outbound message.
type Mail struct {
	Kind      MailKind
	Email     string
	Token     string
	ExpiresAt time.Time
}

// ChannelMailer captures outbound mail on a buffered channel, mainly for
// tests and in-process delivery pipelines.
type ChannelMailer struct {
	mail chan Mail
}

func NewChannelMailer(buffer int) *ChannelMailer {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelMailer{
		mail: make(chan Mail, buffer),
	}
}

func (m *ChannelMailer) SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error {
	return m.send(ctx, Mail{Kind: MailPasswordReset, Email: email, Token: token, ExpiresAt: expiresAt})
}

func (m *ChannelMailer) SendEmailVerification(ctx context.Context, email, token string, expiresAt time.Time) error {
	return m.send(ctx, Mail{Kind: MailEmailVerification, Email: email, Token: token, ExpiresAt: expiresAt})
}

func (m *ChannelMailer) send(ctx context.Context, msg Mail) error {
	select {
	case m.mail <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ChannelMailer) Mail() <-chan Mail {
	return m.mail
}
