package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"crm-auth/internal/mail"
)

const (
	defaultSessionTTL      = 30 * 24 * time.Hour
	defaultTwoFactorTTL    = 10 * time.Minute
	defaultVerificationTTL = 24 * time.Hour
	defaultResetTTL        = time.Hour
	defaultRenewalWindow   = 5 * time.Minute

	bcryptCost = 12
)

// Service implements the auth flows on top of the stores, the token
// minter and the mail dispatcher. All collaborators are injected; the
// service holds no global state.
type Service struct {
	store    Store
	sessions SessionStore
	minter   *Minter
	mailer   mail.Mailer

	sessionTTL      time.Duration
	twoFactorTTL    time.Duration
	verificationTTL time.Duration
	resetTTL        time.Duration
	renewalWindow   time.Duration
}

func NewService(store Store, sessions SessionStore, minter *Minter, mailer mail.Mailer) *Service {
	return &Service{
		store:           store,
		sessions:        sessions,
		minter:          minter,
		mailer:          mailer,
		sessionTTL:      defaultSessionTTL,
		twoFactorTTL:    defaultTwoFactorTTL,
		verificationTTL: defaultVerificationTTL,
		resetTTL:        defaultResetTTL,
		renewalWindow:   defaultRenewalWindow,
	}
}

func (s *Service) WithLifetimes(sessionTTL, twoFactorTTL, verificationTTL, resetTTL, renewalWindow time.Duration) {
	if sessionTTL != 0 {
		s.sessionTTL = sessionTTL
	}
	if twoFactorTTL != 0 {
		s.twoFactorTTL = twoFactorTTL
	}
	if verificationTTL != 0 {
		s.verificationTTL = verificationTTL
	}
	if resetTTL != 0 {
		s.resetTTL = resetTTL
	}
	if renewalWindow != 0 {
		s.renewalWindow = renewalWindow
	}
}

// Register creates an unverified account and dispatches the
// verification email. Email delivery failure fails the request.
func (s *Service) Register(ctx context.Context, email, password string) (User, error) {
	email = normalizeEmail(email)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	token, err := randomToken(32)
	if err != nil {
		return User{}, fmt.Errorf("generate verification token: %w", err)
	}

	user, err := s.store.CreateUser(ctx, email, string(hash), token, time.Now().UTC().Add(s.verificationTTL))
	if err != nil {
		return User{}, err
	}

	if err := s.mailer.SendVerificationEmail(ctx, user.Email, user.ID, token); err != nil {
		return User{}, fmt.Errorf("send verification email: %w", err)
	}

	return user, nil
}

// VerifyEmail consumes a pending verification token. Re-verifying an
// already-verified account is a conflict and applies no side effects.
func (s *Service) VerifyEmail(ctx context.Context, userID, token string) (User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidOrExpiredCode
		}
		return User{}, err
	}
	if user.IsVerified {
		return User{}, ErrAlreadyVerified
	}

	expiresAt, err := s.store.FindEmailVerification(ctx, userID, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidOrExpiredCode
		}
		return User{}, err
	}
	if time.Now().UTC().After(expiresAt) {
		return User{}, ErrInvalidOrExpiredCode
	}

	if err := s.store.MarkEmailVerified(ctx, userID); err != nil {
		return User{}, err
	}

	user.IsVerified = true
	return user, nil
}

// ResendVerification replaces the pending token, invalidating the
// previous one, and sends a fresh email.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOrExpiredCode
		}
		return err
	}
	if user.IsVerified {
		return ErrAlreadyVerified
	}

	token, err := randomToken(32)
	if err != nil {
		return fmt.Errorf("generate verification token: %w", err)
	}

	if err := s.store.UpsertEmailVerification(ctx, user.ID, token, time.Now().UTC().Add(s.verificationTTL)); err != nil {
		return err
	}

	if err := s.mailer.SendVerificationEmail(ctx, user.Email, user.ID, token); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}

	return nil
}

// RequestPasswordReset upserts the one-per-user reset token; a second
// request invalidates the first token.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return err
	}

	token, err := randomToken(32)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}

	if err := s.store.UpsertPasswordReset(ctx, user.ID, token, time.Now().UTC().Add(s.resetTTL)); err != nil {
		return err
	}

	if err := s.mailer.SendPasswordResetEmail(ctx, user.Email, token); err != nil {
		return fmt.Errorf("send password reset email: %w", err)
	}

	return nil
}

// ResetPassword consumes a reset token, rejects reuse of the current
// password, and revokes every session of the user afterwards.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	userID, expiresAt, err := s.store.GetPasswordResetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOrExpiredCode
		}
		return err
	}
	if time.Now().UTC().After(expiresAt) {
		return ErrInvalidOrExpiredCode
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(newPassword)) == nil {
		return ErrSamePassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.UpdatePasswordAndDeleteReset(ctx, userID, string(hash)); err != nil {
		return err
	}

	// Anyone holding a session minted under the old password is logged out.
	if _, err := s.sessions.DeleteAllSessions(ctx, userID); err != nil {
		return err
	}

	return nil
}

// ChangePassword verifies the current password and, for 2FA-enabled
// accounts without a code, issues a PASSWORD_CHANGE code and returns
// the pending handle instead of applying the change.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, twoFactorCode string) (*TwoFactorPending, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)) != nil {
		return nil, ErrInvalidCredentials
	}
	if oldPassword == newPassword {
		return nil, ErrSamePassword
	}

	if user.IsTwoFactorEnabled {
		if twoFactorCode == "" {
			if err := s.issueTwoFactorCode(ctx, user, PurposePasswordChange); err != nil {
				return nil, err
			}
			return &TwoFactorPending{UserID: user.ID, Purpose: PurposePasswordChange}, nil
		}
		if err := s.store.ConsumeTwoFactorCode(ctx, userID, twoFactorCode, PurposePasswordChange); err != nil {
			return nil, err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return nil, err
	}

	return nil, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
