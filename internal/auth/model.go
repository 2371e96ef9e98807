package auth

import (
	"time"

	"crm-auth/internal/device"
)

type User struct {
	ID                 string
	Email              string
	PasswordHash       string
	IsVerified         bool
	IsTwoFactorEnabled bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PublicUser is the user projection that may appear in API payloads.
type PublicUser struct {
	ID                 string `json:"id"`
	Email              string `json:"email"`
	IsVerified         bool   `json:"isVerified"`
	IsTwoFactorEnabled bool   `json:"isTwoFactorEnabled"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:                 u.ID,
		Email:              u.Email,
		IsVerified:         u.IsVerified,
		IsTwoFactorEnabled: u.IsTwoFactorEnabled,
	}
}

// Session is one authenticated device/client context. It owns exactly
// one refresh token row, cascade-deleted with it.
type Session struct {
	ID         string
	UserID     string
	IPAddress  string
	UserAgent  string
	DeviceType string
	DeviceName string
	Browser    string
	OS         string
	ExpiresAt  time.Time
	LastUsedAt time.Time
	CreatedAt  time.Time
}

// SessionInfo is the read-only projection returned by the session list.
// Token values never appear here.
type SessionInfo struct {
	ID         string    `json:"id"`
	IPAddress  string    `json:"ipAddress"`
	UserAgent  string    `json:"userAgent"`
	DeviceType string    `json:"deviceType,omitempty"`
	DeviceName string    `json:"deviceName,omitempty"`
	Browser    string    `json:"browser,omitempty"`
	OS         string    `json:"os,omitempty"`
	LastUsedAt time.Time `json:"lastUsed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TwoFactorPurpose scopes a code to the operation it gates.
type TwoFactorPurpose string

const (
	PurposeLogin          TwoFactorPurpose = "LOGIN"
	PurposePasswordChange TwoFactorPurpose = "PASSWORD_CHANGE"
)

// TokenPair is a freshly minted access/refresh credential pair.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// TwoFactorPending is the correlation handle returned when a login or
// password change is gated on an emailed code. The code itself is
// never part of any payload.
type TwoFactorPending struct {
	UserID  string           `json:"userId"`
	Purpose TwoFactorPurpose `json:"type"`
}

// SessionPayload is the session half of a successful login response.
type SessionPayload struct {
	ID           string `json:"id"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IPAddress    string `json:"ipAddress"`
	DeviceType   string `json:"deviceType,omitempty"`
	DeviceName   string `json:"deviceName,omitempty"`
	Browser      string `json:"browser,omitempty"`
	OS           string `json:"os,omitempty"`
}

// AuthenticatedSession is the success variant of a login.
type AuthenticatedSession struct {
	User    PublicUser     `json:"user"`
	Session SessionPayload `json:"session"`
}

// LoginResult is a two-variant union: exactly one of Pending or
// Authenticated is set, decided inside the login orchestrator rather
// than inferred by callers from field presence.
type LoginResult struct {
	Pending       *TwoFactorPending
	Authenticated *AuthenticatedSession
}

// LoginRequestInfo carries the transport-derived facts the reconciler
// keys on: client address, device fingerprint and an optionally
// presented refresh token from a previous session on this device.
type LoginRequestInfo struct {
	IPAddress             string
	Device                device.Info
	PresentedRefreshToken string
}

// Identity is the resolved caller attached to the request context by
// the auth gate.
type Identity struct {
	UserID string
	Email  string
}
