package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoIdentityHandler(t *testing.T, identity *Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := IdentityFromContext(r.Context())
		require.True(t, ok, "identity missing from context")
		*identity = got
		w.WriteHeader(http.StatusNoContent)
	})
}

func loginPair(t *testing.T, env *testEnv, email, password string) SessionPayload {
	t.Helper()
	result, err := env.service.Login(context.Background(), email, password, LoginRequestInfo{Device: chromeOnMac})
	require.NoError(t, err)
	require.NotNil(t, result.Authenticated)
	return result.Authenticated.Session
}

func TestRequireAuthMissingTokens(t *testing.T) {
	env := newTestEnv()

	var identity Identity
	handler := RequireAuth(env.service, false, newEchoIdentityHandler(t, &identity))

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Failure clears both cookies.
	cleared := 0
	for _, c := range rec.Result().Cookies() {
		if (c.Name == "accessToken" || c.Name == "refreshToken") && c.MaxAge < 0 {
			cleared++
		}
	}
	assert.Equal(t, 2, cleared)
}

func TestRequireAuthValidPair(t *testing.T) {
	env := newTestEnv()
	user := env.registerVerified(t, "alice@example.com", "some-password")
	session := loginPair(t, env, user.Email, "some-password")

	var identity Identity
	handler := RequireAuth(env.service, false, newEchoIdentityHandler(t, &identity))

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	req.AddCookie(&http.Cookie{Name: "refreshToken", Value: session.RefreshToken})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, user.ID, identity.UserID)
	assert.Equal(t, user.Email, identity.Email)
	assert.Empty(t, rec.Header().Get("X-Token-Renewed"))
}

func TestRequireAuthRenewsExpiredAccessToken(t *testing.T) {
	env := newTestEnv()
	user := env.registerVerified(t, "bob@example.com", "some-password")
	session := loginPair(t, env, user.Email, "some-password")

	// Re-sign an already expired access token with the same secrets.
	expired := NewMinter("access-secret", "refresh-secret")
	expired.WithTTL(-time.Minute, time.Hour)
	expiredPair, err := expired.Mint(user.ID)
	require.NoError(t, err)

	var identity Identity
	handler := RequireAuth(env.service, false, newEchoIdentityHandler(t, &identity))

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: expiredPair.AccessToken})
	req.AddCookie(&http.Cookie{Name: "refreshToken", Value: session.RefreshToken})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, user.ID, identity.UserID)
	assert.Equal(t, "true", rec.Header().Get("X-Token-Renewed"))

	var renewedAccess, renewedRefresh string
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case "accessToken":
			renewedAccess = c.Value
		case "refreshToken":
			renewedRefresh = c.Value
		}
	}
	require.NotEmpty(t, renewedAccess)
	require.NotEmpty(t, renewedRefresh)
	assert.NotEqual(t, session.RefreshToken, renewedRefresh)

	// The presented refresh token was rotated away.
	ctx := context.Background()
	_, err = env.sessions.FindSessionByRefreshToken(ctx, user.ID, HashToken(session.RefreshToken))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.sessions.FindSessionByRefreshToken(ctx, user.ID, HashToken(renewedRefresh))
	require.NoError(t, err)
}

func TestRequireAuthRenewsInsideWindow(t *testing.T) {
	env := newTestEnv()
	user := env.registerVerified(t, "carol@example.com", "some-password")

	// Access tokens that outlive their TTL by less than the renewal
	// window are still valid but get rotated proactively.
	env.minter.WithTTL(2*time.Minute, 7*24*time.Hour)
	session := loginPair(t, env, user.Email, "some-password")

	var identity Identity
	handler := RequireAuth(env.service, false, newEchoIdentityHandler(t, &identity))

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: session.AccessToken})
	req.AddCookie(&http.Cookie{Name: "refreshToken", Value: session.RefreshToken})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Token-Renewed"))
}

func TestRequireAuthCrossUserMismatch(t *testing.T) {
	env := newTestEnv()
	victim := env.registerVerified(t, "victim@example.com", "some-password")
	attacker := env.registerVerified(t, "attacker@example.com", "some-password")

	victimSession := loginPair(t, env, victim.Email, "some-password")
	attackerSession := loginPair(t, env, attacker.Email, "some-password")
	require.Equal(t, 1, env.sessions.count(victim.ID))

	var identity Identity
	handler := RequireAuth(env.service, false, newEchoIdentityHandler(t, &identity))

	// Attacker's access token presented with the victim's refresh token.
	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: attackerSession.AccessToken})
	req.AddCookie(&http.Cookie{Name: "refreshToken", Value: victimSession.RefreshToken})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Every session of the refresh token's owner is revoked; the
	// attacker's own sessions are untouched.
	assert.Zero(t, env.sessions.count(victim.ID))
	assert.Equal(t, 1, env.sessions.count(attacker.ID))
}

func TestRequireAuthRevokedRefreshToken(t *testing.T) {
	env := newTestEnv()
	user := env.registerVerified(t, "dave@example.com", "some-password")
	session := loginPair(t, env, user.Email, "some-password")

	_, err := env.service.LogoutAll(context.Background(), user.ID)
	require.NoError(t, err)

	// Signature-valid but revoked: renewal must fail.
	expired := NewMinter("access-secret", "refresh-secret")
	expired.WithTTL(-time.Minute, time.Hour)
	expiredPair, err := expired.Mint(user.ID)
	require.NoError(t, err)

	handler := RequireAuth(env.service, false, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: expiredPair.AccessToken})
	req.AddCookie(&http.Cookie{Name: "refreshToken", Value: session.RefreshToken})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateGarbageTokens(t *testing.T) {
	env := newTestEnv()

	_, _, err := env.service.Authenticate(context.Background(), "not-a-jwt", "also-not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}
