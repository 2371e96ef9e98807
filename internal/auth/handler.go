package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"

	"crm-auth/internal/device"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	maxJSONBodyBytes  = 1 << 20
	minPasswordLength = 8
	maxPasswordLength = 200
)

type Handler struct {
	service       *Service
	secureCookies bool
}

func NewHandler(service *Service, secureCookies bool) *Handler {
	return &Handler{service: service, secureCookies: secureCookies}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type twoFactorVerifyRequest struct {
	UserID        string `json:"userId"`
	TwoFactorCode string `json:"twoFactorCode"`
	Type          string `json:"type,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	TwoFactorCode   string `json:"twoFactorCode,omitempty"`
}

type confirmTwoFactorRequest struct {
	Code string `json:"code"`
}

// pendingResponse is the 2FA correlation handle; the emailed code
// itself never appears in any payload.
type pendingResponse struct {
	TwoFactorToken bool             `json:"twoFactorToken"`
	UserID         string           `json:"userId"`
	Type           TwoFactorPurpose `json:"type"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func validPassword(password string) bool {
	return len(password) >= minPasswordLength && len(password) <= maxPasswordLength
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if !validPassword(body.Password) {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	user, err := h.service.Register(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			writeError(w, http.StatusBadRequest, "email already exists")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        user.ID,
		"email":     user.Email,
		"createdAt": user.CreatedAt,
	})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userId"))
	token := strings.TrimSpace(r.PathValue("token"))
	if userID == "" || token == "" {
		writeError(w, http.StatusBadRequest, "invalid verification credentials")
		return
	}

	user, err := h.service.VerifyEmail(r.Context(), userID, token)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyVerified):
			writeError(w, http.StatusBadRequest, "email is already verified")
		case errors.Is(err, ErrInvalidOrExpiredCode):
			writeError(w, http.StatusBadRequest, "invalid or expired verification token")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to verify email")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"email":      user.Email,
		"isVerified": user.IsVerified,
	})
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !emailRegex.MatchString(strings.TrimSpace(body.Email)) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}

	if err := h.service.ResendVerification(r.Context(), body.Email); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyVerified):
			writeError(w, http.StatusBadRequest, "email is already verified")
		case errors.Is(err, ErrInvalidOrExpiredCode):
			writeError(w, http.StatusBadRequest, "please request a new verification email")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to resend verification")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "verification email sent",
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	// The refresh token may ride on a cookie, header or the body of
	// this very request; extract before the body is decoded.
	presented := extractRefreshToken(r)

	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if !validPassword(body.Password) {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	result, err := h.service.Login(r.Context(), body.Email, body.Password, LoginRequestInfo{
		IPAddress:             device.ClientIP(r),
		Device:                device.FromRequest(r),
		PresentedRefreshToken: presented,
	})
	if err != nil {
		h.writeLoginError(w, err)
		return
	}

	h.writeLoginResult(w, r, result)
}

func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	presented := extractRefreshToken(r)

	var body twoFactorVerifyRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.UserID) == "" || strings.TrimSpace(body.TwoFactorCode) == "" {
		writeError(w, http.StatusBadRequest, "userId and twoFactorCode are required")
		return
	}

	result, err := h.service.CompleteTwoFactorLogin(r.Context(), body.UserID, body.TwoFactorCode, TwoFactorPurpose(body.Type), LoginRequestInfo{
		IPAddress:             device.ClientIP(r),
		Device:                device.FromRequest(r),
		PresentedRefreshToken: presented,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidOrExpiredCode):
			writeError(w, http.StatusUnauthorized, "invalid or expired 2fa code")
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to verify 2fa code")
		}
		return
	}

	h.writeLoginResult(w, r, result)
}

func (h *Handler) writeLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrEmailNotVerified):
		writeError(w, http.StatusUnauthorized, "please verify your email first")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
	}
}

// writeLoginResult renders either variant of the login union. Browser
// clients get the refresh token only as an HttpOnly cookie; native
// clients (X-Client-Type: mobile) get both tokens in the body.
func (h *Handler) writeLoginResult(w http.ResponseWriter, r *http.Request, result LoginResult) {
	if result.Pending != nil {
		writeJSON(w, http.StatusOK, pendingResponse{
			TwoFactorToken: true,
			UserID:         result.Pending.UserID,
			Type:           result.Pending.Purpose,
		})
		return
	}

	authenticated := *result.Authenticated

	if !isMobileClient(r) {
		http.SetCookie(w, &http.Cookie{
			Name:     refreshTokenCookie,
			Value:    authenticated.Session.RefreshToken,
			Path:     "/",
			HttpOnly: true,
			Secure:   h.secureCookies,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   int(h.service.minter.RefreshTTL().Seconds()),
		})
		authenticated.Session.RefreshToken = ""
	}

	writeJSON(w, http.StatusOK, authenticated)
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !emailRegex.MatchString(strings.TrimSpace(body.Email)) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "email not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to request password reset")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "password reset email sent",
	})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusBadRequest, "reset token is required")
		return
	}
	if !validPassword(body.NewPassword) {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		switch {
		case errors.Is(err, ErrInvalidOrExpiredCode):
			writeError(w, http.StatusBadRequest, "invalid or expired reset token")
		case errors.Is(err, ErrSamePassword):
			writeError(w, http.StatusBadRequest, "new password must be different from old password")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to reset password")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "password has been reset",
	})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !validPassword(body.NewPassword) {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	pending, err := h.service.ChangePassword(r.Context(), identity.UserID, body.CurrentPassword, body.NewPassword, body.TwoFactorCode)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "current password is incorrect")
		case errors.Is(err, ErrSamePassword):
			writeError(w, http.StatusBadRequest, "new password must be different from old password")
		case errors.Is(err, ErrInvalidOrExpiredCode):
			writeError(w, http.StatusUnauthorized, "invalid or expired 2fa code")
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to change password")
		}
		return
	}

	if pending != nil {
		writeJSON(w, http.StatusAccepted, pendingResponse{
			TwoFactorToken: true,
			UserID:         pending.UserID,
			Type:           pending.Purpose,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "password changed successfully",
	})
}

func (h *Handler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	pending, err := h.service.EnableTwoFactor(r.Context(), identity.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ErrTwoFactorEnabled):
			writeError(w, http.StatusBadRequest, "2fa is already enabled")
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to enable 2fa")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, pendingResponse{
		TwoFactorToken: true,
		UserID:         pending.UserID,
		Type:           pending.Purpose,
	})
}

func (h *Handler) ConfirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body confirmTwoFactorRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	if err := h.service.ConfirmTwoFactor(r.Context(), identity.UserID, body.Code); err != nil {
		if errors.Is(err, ErrInvalidOrExpiredCode) {
			writeError(w, http.StatusBadRequest, "invalid or expired 2fa code")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to confirm 2fa")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "2fa enabled successfully",
	})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), identity.UserID); err != nil {
		switch {
		case errors.Is(err, ErrTwoFactorDisabled):
			writeError(w, http.StatusBadRequest, "2fa is not enabled")
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to disable 2fa")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "2fa disabled successfully",
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.service.Logout(r.Context(), identity.UserID, refreshTokenFromContext(r.Context())); err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			clearAuthCookies(w)
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "logged out successfully",
	})
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if _, err := h.service.LogoutAll(r.Context(), identity.UserID); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "logged out from all sessions successfully",
	})
}

func (h *Handler) LogoutSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessionID := strings.TrimSpace(r.PathValue("sessionId"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if err := h.service.LogoutSession(r.Context(), identity.UserID, sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found or unauthorized")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "session terminated successfully",
	})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), identity.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]any{"sessions": sessions},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
