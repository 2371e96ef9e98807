package auth

import "errors"

var (
	// ErrInvalidCredentials deliberately covers both unknown email and
	// wrong password so the response cannot be used to probe accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrEmailNotVerified means the credentials were right but the
	// account has not confirmed its email yet.
	ErrEmailNotVerified = errors.New("email not verified")

	// ErrInvalidOrExpiredCode covers wrong, expired and already-used
	// 2FA codes as well as stale verification and reset tokens.
	ErrInvalidOrExpiredCode = errors.New("invalid or expired code")

	// ErrUnauthorized is the generic token-pair failure of the auth gate.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidRefreshToken means the presented refresh token failed
	// signature or expiry checks, or no session owns it.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrSecurityViolation is a cross-user token-pair mismatch. By the
	// time it is returned every session of the refresh token's owner
	// has been deleted.
	ErrSecurityViolation = errors.New("security violation detected")

	// ErrNotFound covers absent records and records not owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrEmailTaken rejects duplicate registration.
	ErrEmailTaken = errors.New("email already exists")

	// ErrAlreadyVerified rejects re-verification of a verified account.
	ErrAlreadyVerified = errors.New("email is already verified")

	// ErrSamePassword rejects a new password equal to the current one.
	ErrSamePassword = errors.New("new password must be different from old password")

	// ErrTwoFactorEnabled / ErrTwoFactorDisabled guard the 2FA toggle endpoints.
	ErrTwoFactorEnabled  = errors.New("2fa is already enabled")
	ErrTwoFactorDisabled = errors.New("2fa is not enabled")
)
