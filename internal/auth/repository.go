package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence surface for users, email verifications,
// password resets and two-factor codes. *Repository implements it
// against Postgres; tests substitute fakes.
type Store interface {
	CreateUser(ctx context.Context, email, passwordHash, verificationToken string, verificationExpiry time.Time) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	MarkEmailVerified(ctx context.Context, userID string) error
	FindEmailVerification(ctx context.Context, userID, token string) (time.Time, error)
	UpsertEmailVerification(ctx context.Context, userID, token string, expiresAt time.Time) error
	UpsertPasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordResetByToken(ctx context.Context, token string) (string, time.Time, error)
	UpdatePasswordAndDeleteReset(ctx context.Context, userID, passwordHash string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetTwoFactorEnabled(ctx context.Context, userID string, enabled bool) error
	ReplaceTwoFactorCode(ctx context.Context, userID string, purpose TwoFactorPurpose, code string, expiresAt time.Time) error
	ConsumeTwoFactorCode(ctx context.Context, userID, code string, purpose TwoFactorPurpose) error
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, email, password_hash, is_verified, is_two_factor_enabled, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.IsVerified, &user.IsTwoFactorEnabled, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}

	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, email))
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
}

// CreateUser inserts the user and its pending email verification as one
// atomic unit. Fails with ErrEmailTaken when the address is registered.
func (r *Repository) CreateUser(ctx context.Context, email, passwordHash, verificationToken string, verificationExpiry time.Time) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&existingID)
	if err == nil {
		return User{}, ErrEmailTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("check existing email: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, id.String(), email, passwordHash, now); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO email_verifications (user_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, id.String(), verificationToken, verificationExpiry.UTC()); err != nil {
		return User{}, fmt.Errorf("insert email verification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit register tx: %w", err)
	}

	return User{
		ID:           id.String(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// FindEmailVerification returns the expiry of the pending verification
// matching both user and token, or ErrNotFound.
func (r *Repository) FindEmailVerification(ctx context.Context, userID, token string) (time.Time, error) {
	var expiresAt time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT expires_at
		FROM email_verifications
		WHERE user_id = $1 AND token = $2
	`, userID, token).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("query email verification: %w", err)
	}

	return expiresAt.UTC(), nil
}

// MarkEmailVerified flips the verified flag and consumes the pending
// verification record in the same transaction.
func (r *Repository) MarkEmailVerified(ctx context.Context, userID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin verify tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET is_verified = TRUE, updated_at = $2
		WHERE id = $1
	`, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark user verified: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM email_verifications
		WHERE user_id = $1
	`, userID); err != nil {
		return fmt.Errorf("delete email verification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit verify tx: %w", err)
	}

	return nil
}

func (r *Repository) UpsertEmailVerification(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_verifications (user_id, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
	`, userID, token, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert email verification: %w", err)
	}

	return nil
}

func (r *Repository) UpsertPasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO password_resets (user_id, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
	`, userID, token, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert password reset: %w", err)
	}

	return nil
}

func (r *Repository) GetPasswordResetByToken(ctx context.Context, token string) (string, time.Time, error) {
	var userID string
	var expiresAt time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, expires_at
		FROM password_resets
		WHERE token = $1
	`, token).Scan(&userID, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, ErrNotFound
		}
		return "", time.Time{}, fmt.Errorf("query password reset: %w", err)
	}

	return userID, expiresAt.UTC(), nil
}

// UpdatePasswordAndDeleteReset applies the new hash and consumes the
// reset record atomically; partial application would leave a live
// reset token for an already-changed password.
func (r *Repository) UpdatePasswordAndDeleteReset(ctx context.Context, userID, passwordHash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, time.Now().UTC()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM password_resets
		WHERE user_id = $1
	`, userID); err != nil {
		return fmt.Errorf("delete password reset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}

	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return nil
}

// SetTwoFactorEnabled flips the flag; disabling also discards every
// outstanding code for the user in the same transaction.
func (r *Repository) SetTwoFactorEnabled(ctx context.Context, userID string, enabled bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin 2fa toggle tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET is_two_factor_enabled = $2, updated_at = $3
		WHERE id = $1
	`, userID, enabled, time.Now().UTC()); err != nil {
		return fmt.Errorf("update 2fa flag: %w", err)
	}

	if !enabled {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM two_factor_codes
			WHERE user_id = $1
		`, userID); err != nil {
			return fmt.Errorf("delete 2fa codes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit 2fa toggle tx: %w", err)
	}

	return nil
}

// ReplaceTwoFactorCode invalidates prior unused codes for the same
// (user, purpose) and stores the new one, sequenced in one transaction
// so concurrent issuance cannot leave two live codes.
func (r *Repository) ReplaceTwoFactorCode(ctx context.Context, userID string, purpose TwoFactorPurpose, code string, expiresAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate 2fa code id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin 2fa issue tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM two_factor_codes
		WHERE user_id = $1 AND purpose = $2 AND used = FALSE
	`, userID, string(purpose)); err != nil {
		return fmt.Errorf("delete stale 2fa codes: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO two_factor_codes (id, user_id, purpose, code, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), userID, string(purpose), code, expiresAt.UTC()); err != nil {
		return fmt.Errorf("insert 2fa code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit 2fa issue tx: %w", err)
	}

	return nil
}

// ConsumeTwoFactorCode deletes the matching unused, unexpired code in a
// single statement, so a replay of the same code races against its own
// deletion and loses.
func (r *Repository) ConsumeTwoFactorCode(ctx context.Context, userID, code string, purpose TwoFactorPurpose) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM two_factor_codes
		WHERE user_id = $1 AND code = $2 AND purpose = $3
		  AND used = FALSE AND expires_at > NOW()
	`, userID, code, string(purpose))
	if err != nil {
		return fmt.Errorf("consume 2fa code: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume 2fa code rows affected: %w", err)
	}
	if affected == 0 {
		return ErrInvalidOrExpiredCode
	}

	return nil
}
