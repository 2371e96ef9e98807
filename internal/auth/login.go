package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// VerifyCredentials checks email+password. The failure is deliberately
// undifferentiated between an unknown address and a wrong password.
func (s *Service) VerifyCredentials(ctx context.Context, email, password string) (User, error) {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}

	if !user.IsVerified {
		return User{}, ErrEmailNotVerified
	}

	return user, nil
}

// Login runs the canonical login state machine. For 2FA-enabled
// accounts it issues a login code and returns the pending variant; the
// session is only established by CompleteTwoFactorLogin.
func (s *Service) Login(ctx context.Context, email, password string, info LoginRequestInfo) (LoginResult, error) {
	user, err := s.VerifyCredentials(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}

	if user.IsTwoFactorEnabled {
		if err := s.issueTwoFactorCode(ctx, user, PurposeLogin); err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Pending: &TwoFactorPending{UserID: user.ID, Purpose: PurposeLogin}}, nil
	}

	authenticated, err := s.establishSession(ctx, user, info)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{Authenticated: authenticated}, nil
}

// CompleteTwoFactorLogin consumes the emailed code and establishes the
// session for a login left pending by Login.
func (s *Service) CompleteTwoFactorLogin(ctx context.Context, userID, code string, purpose TwoFactorPurpose, info LoginRequestInfo) (LoginResult, error) {
	if purpose == "" {
		purpose = PurposeLogin
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return LoginResult{}, err
	}

	if err := s.store.ConsumeTwoFactorCode(ctx, user.ID, code, purpose); err != nil {
		return LoginResult{}, err
	}

	authenticated, err := s.establishSession(ctx, user, info)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{Authenticated: authenticated}, nil
}

// establishSession is the reconciler: it reuses the session owning a
// presented refresh token, else a non-expired session with the same
// device fingerprint, else creates a new one. Whatever the branch, the
// refresh token value rotates so the previous one stops working.
func (s *Service) establishSession(ctx context.Context, user User, info LoginRequestInfo) (*AuthenticatedSession, error) {
	pair, err := s.minter.Mint(user.ID)
	if err != nil {
		return nil, err
	}

	newHash := HashToken(pair.RefreshToken)
	tokenExpiry := time.Now().UTC().Add(s.minter.RefreshTTL())

	var session Session
	reused := false

	if info.PresentedRefreshToken != "" {
		existing, err := s.sessions.FindSessionByRefreshToken(ctx, user.ID, HashToken(info.PresentedRefreshToken))
		switch {
		case err == nil:
			session = existing
			reused = true
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	if !reused {
		existing, err := s.sessions.FindSessionByFingerprint(ctx, user.ID, info.IPAddress, info.Device)
		switch {
		case err == nil:
			session = existing
			reused = true
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	if reused {
		if err := s.sessions.RotateRefreshToken(ctx, session.ID, newHash, tokenExpiry); err != nil {
			return nil, err
		}
	} else {
		session, err = s.sessions.CreateSession(ctx, Session{
			UserID:     user.ID,
			IPAddress:  info.IPAddress,
			UserAgent:  info.Device.UserAgent,
			DeviceType: info.Device.Type,
			DeviceName: info.Device.Name,
			Browser:    info.Device.Browser,
			OS:         info.Device.OS,
			ExpiresAt:  time.Now().UTC().Add(s.sessionTTL),
		}, newHash, tokenExpiry)
		if err != nil {
			return nil, err
		}
	}

	return &AuthenticatedSession{
		User: user.Public(),
		Session: SessionPayload{
			ID:           session.ID,
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			IPAddress:    session.IPAddress,
			DeviceType:   session.DeviceType,
			DeviceName:   session.DeviceName,
			Browser:      session.Browser,
			OS:           session.OS,
		},
	}, nil
}

// Logout deletes the session owning the presented refresh token.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}

	err := s.sessions.DeleteSessionByRefreshToken(ctx, userID, HashToken(refreshToken))
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidRefreshToken
	}

	return err
}

// LogoutAll deletes every session of the user.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	return s.sessions.DeleteAllSessions(ctx, userID)
}

// LogoutSession is the ownership-checked single-session variant.
func (s *Service) LogoutSession(ctx context.Context, userID, sessionID string) error {
	return s.sessions.DeleteSession(ctx, userID, sessionID)
}

// ListSessions never exposes token values.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	return s.sessions.ListSessions(ctx, userID)
}
