package mail

import (
	"context"

	"crm-auth/internal/observability"
)

// LogMailer writes mail payload metadata to the structured log instead
// of delivering anything. Used in development when no SMTP relay is
// configured. Codes and tokens are intentionally logged so local flows
// stay testable end to end.
type LogMailer struct {
	logger *observability.Logger
}

func NewLogMailer(logger *observability.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendVerificationEmail(ctx context.Context, to, userID, token string) error {
	m.logger.Info("mail_verification", map[string]any{"to": to, "user_id": userID, "token": token})
	return nil
}

func (m *LogMailer) SendTwoFactorEmail(ctx context.Context, to, code string) error {
	m.logger.Info("mail_two_factor", map[string]any{"to": to, "code": code})
	return nil
}

func (m *LogMailer) SendPasswordResetEmail(ctx context.Context, to, token string) error {
	m.logger.Info("mail_password_reset", map[string]any{"to": to, "token": token})
	return nil
}
