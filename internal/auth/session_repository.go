package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crm-auth/internal/device"
)

// SessionStore is the persistence surface for sessions and their
// refresh tokens. *Repository implements it against Postgres.
type SessionStore interface {
	FindSessionByRefreshToken(ctx context.Context, userID, tokenHash string) (Session, error)
	FindSessionByFingerprint(ctx context.Context, userID, ipAddress string, d device.Info) (Session, error)
	RotateRefreshToken(ctx context.Context, sessionID, newTokenHash string, expiresAt time.Time) error
	CreateSession(ctx context.Context, session Session, tokenHash string, tokenExpiry time.Time) (Session, error)
	ListSessions(ctx context.Context, userID string) ([]SessionInfo, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
	DeleteSessionByRefreshToken(ctx context.Context, userID, tokenHash string) error
	DeleteAllSessions(ctx context.Context, userID string) (int64, error)
}

// HashToken is the stored form of a refresh token value. Only hashes
// touch the database; lookups hash the presented value first.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

const sessionColumns = `s.id, s.user_id, s.ip_address, s.user_agent, s.device_type, s.device_name, s.browser, s.os, s.expires_at, s.last_used_at, s.created_at`

func scanSession(row *sql.Row) (Session, error) {
	var s Session
	var deviceType, deviceName, browser, osName sql.NullString
	err := row.Scan(&s.ID, &s.UserID, &s.IPAddress, &s.UserAgent, &deviceType, &deviceName, &browser, &osName, &s.ExpiresAt, &s.LastUsedAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}

	s.DeviceType = deviceType.String
	s.DeviceName = deviceName.String
	s.Browser = browser.String
	s.OS = osName.String

	return s, nil
}

func (r *Repository) FindSessionByRefreshToken(ctx context.Context, userID, tokenHash string) (Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions s
		JOIN refresh_tokens rt ON rt.session_id = s.id
		WHERE s.user_id = $1 AND rt.token_hash = $2
	`, userID, tokenHash))
}

// FindSessionByFingerprint returns the most recently used non-expired
// session matching the full device fingerprint, or ErrNotFound.
func (r *Repository) FindSessionByFingerprint(ctx context.Context, userID, ipAddress string, d device.Info) (Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions s
		WHERE s.user_id = $1
		  AND s.ip_address = $2
		  AND s.user_agent = $3
		  AND s.device_type IS NOT DISTINCT FROM NULLIF($4, '')
		  AND s.browser IS NOT DISTINCT FROM NULLIF($5, '')
		  AND s.os IS NOT DISTINCT FROM NULLIF($6, '')
		  AND s.expires_at > NOW()
		ORDER BY s.last_used_at DESC
		LIMIT 1
	`, userID, ipAddress, d.UserAgent, d.Type, d.Browser, d.OS))
}

// RotateRefreshToken replaces the token value of an existing session in
// place and bumps lastUsed. The row lock keeps two concurrent rotations
// of the same session sequential; the later writer wins.
func (r *Repository) RotateRefreshToken(ctx context.Context, sessionID, newTokenHash string, expiresAt time.Time) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation tx: %w", err)
	}
	defer tx.Rollback()

	var currentHash string
	err = tx.QueryRowContext(ctx, `
		SELECT token_hash
		FROM refresh_tokens
		WHERE session_id = $1
		FOR UPDATE
	`, sessionID).Scan(&currentHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock refresh token row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET token_hash = $2, expires_at = $3
		WHERE session_id = $1
	`, sessionID, newTokenHash, expiresAt.UTC()); err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET last_used_at = $2
		WHERE id = $1
	`, sessionID, now); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation tx: %w", err)
	}

	return nil
}

// CreateSession inserts a session and its refresh token as one unit.
func (r *Repository) CreateSession(ctx context.Context, session Session, tokenHash string, tokenExpiry time.Time) (Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	now := time.Now().UTC()
	session.ID = id.String()
	session.LastUsedAt = now
	session.CreatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin session tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, ip_address, user_agent, device_type, device_name, browser, os, expires_at, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $10)
	`, session.ID, session.UserID, session.IPAddress, session.UserAgent,
		session.DeviceType, session.DeviceName, session.Browser, session.OS,
		session.ExpiresAt.UTC(), now); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (session_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, session.ID, tokenHash, tokenExpiry.UTC()); err != nil {
		return Session{}, fmt.Errorf("insert refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit session tx: %w", err)
	}

	return session, nil
}

func (r *Repository) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ip_address, user_agent, device_type, device_name, browser, os, last_used_at, created_at
		FROM sessions
		WHERE user_id = $1 AND expires_at > NOW()
		ORDER BY last_used_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]SessionInfo, 0)
	for rows.Next() {
		var s SessionInfo
		var deviceType, deviceName, browser, osName sql.NullString
		if err := rows.Scan(&s.ID, &s.IPAddress, &s.UserAgent, &deviceType, &deviceName, &browser, &osName, &s.LastUsedAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		s.DeviceType = deviceType.String
		s.DeviceName = deviceName.String
		s.Browser = browser.String
		s.OS = osName.String
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession removes one session owned by the user; the refresh
// token cascades. ErrNotFound when the session is absent or owned by
// someone else.
func (r *Repository) DeleteSession(ctx context.Context, userID, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE id = $1 AND user_id = $2
	`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) DeleteSessionByRefreshToken(ctx context.Context, userID, tokenHash string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions s
		USING refresh_tokens rt
		WHERE rt.session_id = s.id AND s.user_id = $1 AND rt.token_hash = $2
	`, userID, tokenHash)
	if err != nil {
		return fmt.Errorf("delete session by token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session by token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) DeleteAllSessions(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete all sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all sessions rows affected: %w", err)
	}

	return affected, nil
}

type CleanupResult struct {
	DeletedSessions      int64 `json:"deleted_sessions"`
	DeletedTwoFactor     int64 `json:"deleted_two_factor_codes"`
	DeletedVerifications int64 `json:"deleted_email_verifications"`
	DeletedResets        int64 `json:"deleted_password_resets"`
}

// CleanupStaleAuthData removes expired auth records in bounded batches.
// Refresh tokens go with their sessions via cascade.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var result CleanupResult
	var err error

	result.DeletedSessions, err = r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT id
			FROM sessions
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM sessions t
		USING stale
		WHERE t.id = stale.id
	`, "stale sessions", batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	result.DeletedTwoFactor, err = r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT id
			FROM two_factor_codes
			WHERE used = TRUE OR expires_at < NOW()
			ORDER BY created_at ASC
			LIMIT $1
		)
		DELETE FROM two_factor_codes t
		USING stale
		WHERE t.id = stale.id
	`, "stale 2fa codes", batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	result.DeletedVerifications, err = r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT user_id
			FROM email_verifications
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM email_verifications t
		USING stale
		WHERE t.user_id = stale.user_id
	`, "stale verifications", batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	result.DeletedResets, err = r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT user_id
			FROM password_resets
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM password_resets t
		USING stale
		WHERE t.user_id = stale.user_id
	`, "stale resets", batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return result, nil
}

func (r *Repository) deleteBatch(ctx context.Context, query, what string, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", what, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", what, err)
	}

	return affected, nil
}
