package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims is the payload carried by both token kinds.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"userId"`
	TokenType string `json:"tokenType"`
}

// Minter signs and verifies the access/refresh token pair. The two
// kinds use distinct secrets so a leaked access token cannot be
// replayed as a refresh token.
type Minter struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewMinter(accessSecret, refreshSecret string) *Minter {
	return &Minter{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
	}
}

func (m *Minter) WithTTL(accessTTL, refreshTTL time.Duration) {
	if accessTTL != 0 {
		m.accessTTL = accessTTL
	}
	if refreshTTL != 0 {
		m.refreshTTL = refreshTTL
	}
}

func (m *Minter) AccessTTL() time.Duration  { return m.accessTTL }
func (m *Minter) RefreshTTL() time.Duration { return m.refreshTTL }

// Mint issues a fresh token pair for the user.
func (m *Minter) Mint(userID string) (TokenPair, error) {
	access, err := m.sign(userID, tokenTypeAccess, m.accessSecret, m.accessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := m.sign(userID, tokenTypeRefresh, m.refreshSecret, m.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (m *Minter) sign(userID, tokenType string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    userID,
		TokenType: tokenType,
	})

	return token.SignedString(secret)
}

// VerifyAccess validates an access token. Expired-but-well-signed
// tokens come back as an error wrapping jwt.ErrTokenExpired so the
// auth gate can distinguish renewal from forgery.
func (m *Minter) VerifyAccess(token string) (*Claims, error) {
	return m.verify(token, tokenTypeAccess, m.accessSecret)
}

// VerifyRefresh validates a refresh token.
func (m *Minter) VerifyRefresh(token string) (*Claims, error) {
	return m.verify(token, tokenTypeRefresh, m.refreshSecret)
}

func (m *Minter) verify(token, wantType string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	if claims.TokenType != wantType {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// DecodeExpiredAccess recovers the claims of an expired access token.
// The signature is still checked; only claim validation is skipped.
func (m *Minter) DecodeExpiredAccess(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.accessSecret, nil
	}); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}
