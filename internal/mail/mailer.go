package mail

import "context"

// Mailer delivers the transactional messages the auth flows depend on.
// Delivery failure is surfaced to the caller; a flow that generated a
// code or token must not report success when the email never went out.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, userID, token string) error
	SendTwoFactorEmail(ctx context.Context, to, code string) error
	SendPasswordResetEmail(ctx context.Context, to, token string) error
}
