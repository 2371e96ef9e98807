package mail

import (
	"context"
	"fmt"
	"net/smtp"
)

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	// BaseURL is the public frontend origin used to build verification
	// and reset links.
	BaseURL string
}

// SMTPMailer sends plain-text mail over an authenticated SMTP relay.
// It is constructed once at process start and injected wherever mail
// is dispatched.
type SMTPMailer struct {
	addr    string
	auth    smtp.Auth
	from    string
	baseURL string
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &SMTPMailer{
		addr:    cfg.Host + ":" + cfg.Port,
		auth:    auth,
		from:    cfg.From,
		baseURL: cfg.BaseURL,
	}
}

func (m *SMTPMailer) SendVerificationEmail(ctx context.Context, to, userID, token string) error {
	link := fmt.Sprintf("%s/auth/verify-email/%s/%s", m.baseURL, userID, token)
	body := fmt.Sprintf("Welcome! Please confirm your email address by opening the link below.\n\n%s\n\nThe link expires in 24 hours.", link)

	return m.send(ctx, to, "Verify your email address", body)
}

func (m *SMTPMailer) SendTwoFactorEmail(ctx context.Context, to, code string) error {
	body := fmt.Sprintf("Your verification code is %s.\n\nIt expires in 10 minutes. If you did not request it, you can ignore this message.", code)

	return m.send(ctx, to, "Your verification code", body)
}

func (m *SMTPMailer) SendPasswordResetEmail(ctx context.Context, to, token string) error {
	link := fmt.Sprintf("%s/auth/reset-password?token=%s", m.baseURL, token)
	body := fmt.Sprintf("A password reset was requested for your account. Open the link below to choose a new password.\n\n%s\n\nThe link expires in 1 hour. If you did not request it, you can ignore this message.", link)

	return m.send(ctx, to, "Reset your password", body)
}

func (m *SMTPMailer) send(ctx context.Context, to, subject, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.from, to, subject, text)
	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}

	return nil
}
