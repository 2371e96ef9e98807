package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintAndVerify(t *testing.T) {
	t.Parallel()

	minter := NewMinter("access-secret", "refresh-secret")

	pair, err := minter.Mint("user-1")
	if err != nil {
		t.Fatalf("Mint error: %v", err)
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Fatalf("access and refresh tokens must differ")
	}

	accessClaims, err := minter.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess error: %v", err)
	}
	if accessClaims.UserID != "user-1" {
		t.Fatalf("userID mismatch: got %q", accessClaims.UserID)
	}

	refreshClaims, err := minter.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh error: %v", err)
	}
	if refreshClaims.UserID != "user-1" {
		t.Fatalf("userID mismatch: got %q", refreshClaims.UserID)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	t.Parallel()

	minter := NewMinter("access-secret", "refresh-secret")

	pair, err := minter.Mint("user-1")
	if err != nil {
		t.Fatalf("Mint error: %v", err)
	}

	if _, err := minter.VerifyAccess(pair.RefreshToken); err == nil {
		t.Fatalf("expected error verifying refresh token as access")
	}
	if _, err := minter.VerifyRefresh(pair.AccessToken); err == nil {
		t.Fatalf("expected error verifying access token as refresh")
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	t.Parallel()

	minter := NewMinter("access-secret", "refresh-secret")
	other := NewMinter("other-access", "other-refresh")

	pair, err := other.Mint("user-1")
	if err != nil {
		t.Fatalf("Mint error: %v", err)
	}

	if _, err := minter.VerifyAccess(pair.AccessToken); err == nil {
		t.Fatalf("expected signature error for foreign access token")
	}
	if _, err := minter.VerifyRefresh(pair.RefreshToken); err == nil {
		t.Fatalf("expected signature error for foreign refresh token")
	}
}

func TestVerifyAccessExpired(t *testing.T) {
	t.Parallel()

	minter := NewMinter("access-secret", "refresh-secret")
	minter.WithTTL(-time.Minute, time.Hour)

	pair, err := minter.Mint("user-1")
	if err != nil {
		t.Fatalf("Mint error: %v", err)
	}

	_, err = minter.VerifyAccess(pair.AccessToken)
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected jwt.ErrTokenExpired, got %v", err)
	}
}

func TestDecodeExpiredAccess(t *testing.T) {
	t.Parallel()

	minter := NewMinter("access-secret", "refresh-secret")
	minter.WithTTL(-time.Minute, time.Hour)

	pair, err := minter.Mint("user-42")
	if err != nil {
		t.Fatalf("Mint error: %v", err)
	}

	claims, err := minter.DecodeExpiredAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("DecodeExpiredAccess error: %v", err)
	}
	if claims.UserID != "user-42" {
		t.Fatalf("userID mismatch: got %q", claims.UserID)
	}

	// Signature is still enforced: a foreign token stays undecodable.
	other := NewMinter("other-access", "refresh-secret")
	otherPair, err := other.Mint("user-42")
	if err != nil {
		t.Fatalf("Mint error: %v", err)
	}
	if _, err := minter.DecodeExpiredAccess(otherPair.AccessToken); err == nil {
		t.Fatalf("expected signature error for foreign token")
	}
}

func TestHashTokenIsStable(t *testing.T) {
	t.Parallel()

	if HashToken("abc") != HashToken("abc") {
		t.Fatalf("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatalf("distinct inputs must not collide")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("expected hex sha256 output")
	}
}
