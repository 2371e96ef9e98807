package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	identityContextKey contextKey = "auth.identity"
	renewedContextKey  contextKey = "auth.renewedTokens"
	refreshContextKey  contextKey = "auth.refreshToken"
)

// IdentityFromContext returns the caller resolved by RequireAuth.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok
}

// RenewedTokensFromContext returns the token pair minted by a silent
// rotation during this request, if one happened.
func RenewedTokensFromContext(ctx context.Context) (TokenPair, bool) {
	pair, ok := ctx.Value(renewedContextKey).(TokenPair)
	return pair, ok
}

// refreshTokenFromContext is the refresh token value the caller
// presented, kept for logout. After a silent rotation it is the
// renewed value, since the presented one is already dead.
func refreshTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(refreshContextKey).(string)
	return token
}

// Authenticate runs the request-time gate over an extracted token pair
// and returns the resolved identity plus, when the access token was
// inside the renewal window or expired, the freshly rotated pair.
func (s *Service) Authenticate(ctx context.Context, accessToken, refreshToken string) (Identity, *TokenPair, error) {
	if accessToken == "" || refreshToken == "" {
		return Identity{}, nil, ErrUnauthorized
	}

	// The refresh token is the anchor: without a valid one nothing
	// else matters.
	refreshClaims, err := s.minter.VerifyRefresh(refreshToken)
	if err != nil {
		return Identity{}, nil, ErrInvalidRefreshToken
	}

	needsRenewal := false
	accessClaims, err := s.minter.VerifyAccess(accessToken)
	switch {
	case err == nil:
		if accessClaims.ExpiresAt != nil && time.Until(accessClaims.ExpiresAt.Time) <= s.renewalWindow {
			needsRenewal = true
		}
	case errors.Is(err, jwt.ErrTokenExpired):
		needsRenewal = true
		accessClaims, err = s.minter.DecodeExpiredAccess(accessToken)
		if err != nil {
			return Identity{}, nil, ErrUnauthorized
		}
	default:
		return Identity{}, nil, ErrUnauthorized
	}

	// A pair spanning two users is a security incident, not a plain
	// failure: every session of the refresh token's owner dies now.
	if accessClaims.UserID != refreshClaims.UserID {
		if _, delErr := s.sessions.DeleteAllSessions(ctx, refreshClaims.UserID); delErr != nil {
			sentry.CaptureException(delErr)
		}
		return Identity{}, nil, ErrSecurityViolation
	}

	user, err := s.store.GetUserByID(ctx, refreshClaims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, nil, ErrUnauthorized
		}
		return Identity{}, nil, err
	}

	identity := Identity{UserID: user.ID, Email: user.Email}

	if !needsRenewal {
		return identity, nil, nil
	}

	pair, err := s.minter.Mint(user.ID)
	if err != nil {
		return Identity{}, nil, err
	}

	session, err := s.sessions.FindSessionByRefreshToken(ctx, user.ID, HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Token verified but no session owns it: it was rotated
			// away or revoked since it was issued.
			return Identity{}, nil, ErrInvalidRefreshToken
		}
		return Identity{}, nil, err
	}

	if err := s.sessions.RotateRefreshToken(ctx, session.ID, HashToken(pair.RefreshToken), time.Now().UTC().Add(s.minter.RefreshTTL())); err != nil {
		return Identity{}, nil, err
	}

	return identity, &pair, nil
}

// RequireAuth is the HTTP binding of the gate. It extracts the pair
// from the multi-channel transport, attaches the identity to the
// request context, and deterministically installs renewed tokens on
// cookies and headers. Any failure clears client cookies.
func RequireAuth(service *Service, secureCookies bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken := extractAccessToken(r)
		refreshToken := extractRefreshToken(r)

		identity, renewed, err := service.Authenticate(r.Context(), accessToken, refreshToken)
		if err != nil {
			clearAuthCookies(w)
			switch {
			case errors.Is(err, ErrSecurityViolation):
				writeError(w, http.StatusUnauthorized, "security violation detected, all sessions have been terminated")
			case errors.Is(err, ErrInvalidRefreshToken):
				writeError(w, http.StatusUnauthorized, "invalid refresh token")
			case errors.Is(err, ErrUnauthorized):
				writeError(w, http.StatusUnauthorized, "unauthorized")
			default:
				sentry.CaptureException(err)
				writeError(w, http.StatusInternalServerError, "failed to authenticate request")
			}
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		activeRefresh := refreshToken
		if renewed != nil {
			setAuthCookies(w, *renewed, secureCookies, service.minter.AccessTTL(), service.minter.RefreshTTL())
			w.Header().Set(tokenRenewedHeader, "true")
			ctx = context.WithValue(ctx, renewedContextKey, *renewed)
			activeRefresh = renewed.RefreshToken
		}
		ctx = context.WithValue(ctx, refreshContextKey, activeRefresh)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
