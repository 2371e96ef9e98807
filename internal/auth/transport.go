package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Token transport conventions shared by browser and native clients.
const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"

	accessTokenHeader  = "X-Access-Token"
	refreshTokenHeader = "X-Refresh-Token"
	refreshAuthHeader  = "Authorization-Refresh"
	clientTypeHeader   = "X-Client-Type"
	tokenRenewedHeader = "X-Token-Renewed"

	refreshTokenBodyField = "refresh_token"
)

var jwtShapeRegex = regexp.MustCompile(`^[A-Za-z0-9-_=]+\.[A-Za-z0-9-_=]+\.?[A-Za-z0-9-_.+/=]*$`)

// validTokenShape rejects values that cannot possibly be a JWT before
// any cryptographic work happens.
func validTokenShape(token string) string {
	token = strings.TrimSpace(token)
	if token == "" || !jwtShapeRegex.MatchString(token) {
		return ""
	}
	return token
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// extractAccessToken tries, in order: HttpOnly cookie (web), bearer
// Authorization header (standard), custom header (mobile), query
// parameter (websocket-style handshakes).
func extractAccessToken(r *http.Request) string {
	if c, err := r.Cookie(accessTokenCookie); err == nil {
		if token := validTokenShape(c.Value); token != "" {
			return token
		}
	}
	if token := validTokenShape(bearerToken(r.Header.Get("Authorization"))); token != "" {
		return token
	}
	if token := validTokenShape(r.Header.Get(accessTokenHeader)); token != "" {
		return token
	}
	return validTokenShape(r.URL.Query().Get("access_token"))
}

// extractRefreshToken tries cookie, custom header, bearer refresh
// header, then a refresh_token body field on POSTs. The body is
// restored afterwards so handlers can still decode it.
func extractRefreshToken(r *http.Request) string {
	if c, err := r.Cookie(refreshTokenCookie); err == nil {
		if token := validTokenShape(c.Value); token != "" {
			return token
		}
	}
	if token := validTokenShape(r.Header.Get(refreshTokenHeader)); token != "" {
		return token
	}
	if token := validTokenShape(bearerToken(r.Header.Get(refreshAuthHeader))); token != "" {
		return token
	}
	return validTokenShape(refreshTokenFromBody(r))
}

func refreshTokenFromBody(r *http.Request) string {
	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}
	if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return ""
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes))
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}

	return body.RefreshToken
}

func isMobileClient(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(clientTypeHeader)), "mobile")
}

// setAuthCookies installs the pair as HttpOnly cookies for browser
// clients and mirrors them in response headers for native clients.
func setAuthCookies(w http.ResponseWriter, pair TokenPair, secure bool, accessTTL, refreshTTL time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(accessTTL.Seconds()),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    pair.RefreshToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(refreshTTL.Seconds()),
	})
	w.Header().Set(accessTokenHeader, pair.AccessToken)
	w.Header().Set(refreshTokenHeader, pair.RefreshToken)
}

func clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{accessTokenCookie, refreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			MaxAge:   -1,
		})
	}
}
