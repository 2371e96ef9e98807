package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const twoFactorCodeLength = 6

// generateNumericCode draws a uniformly random zero-padded numeric
// code from crypto/rand.
func generateNumericCode(length int) (string, error) {
	bound := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	return fmt.Sprintf("%0*d", length, n), nil
}

// issueTwoFactorCode replaces any unused code for (user, purpose) and
// emails the new one. The code never travels back to the caller.
func (s *Service) issueTwoFactorCode(ctx context.Context, user User, purpose TwoFactorPurpose) error {
	code, err := generateNumericCode(twoFactorCodeLength)
	if err != nil {
		return err
	}

	expiresAt := time.Now().UTC().Add(s.twoFactorTTL)
	if err := s.store.ReplaceTwoFactorCode(ctx, user.ID, purpose, code, expiresAt); err != nil {
		return err
	}

	if err := s.mailer.SendTwoFactorEmail(ctx, user.Email, code); err != nil {
		return fmt.Errorf("send two-factor email: %w", err)
	}

	return nil
}

// EnableTwoFactor starts the enable flow by mailing a confirmation code.
func (s *Service) EnableTwoFactor(ctx context.Context, userID string) (*TwoFactorPending, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsTwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}

	if err := s.issueTwoFactorCode(ctx, user, PurposeLogin); err != nil {
		return nil, err
	}

	return &TwoFactorPending{UserID: user.ID, Purpose: PurposeLogin}, nil
}

// ConfirmTwoFactor consumes the confirmation code and flips the flag on.
func (s *Service) ConfirmTwoFactor(ctx context.Context, userID, code string) error {
	if err := s.store.ConsumeTwoFactorCode(ctx, userID, code, PurposeLogin); err != nil {
		return err
	}

	return s.store.SetTwoFactorEnabled(ctx, userID, true)
}

// DisableTwoFactor flips the flag off and discards outstanding codes.
func (s *Service) DisableTwoFactor(ctx context.Context, userID string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.IsTwoFactorEnabled {
		return ErrTwoFactorDisabled
	}

	return s.store.SetTwoFactorEnabled(ctx, userID, false)
}
