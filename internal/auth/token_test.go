// ABOUTME: Unit tests for proxy registration token mint and verify
// ABOUTME: Covers round trips, tampered tokens, expiry, and foreign issuers

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))

	for _, proxyID := range []string{"proxy-east-1", "proxy-2", "p3"} {
		token, err := verifier.Generate(proxyID, time.Hour)
		if err != nil {
			t.Fatalf("Generate(%q) error = %v", proxyID, err)
		}

		gotID, err := verifier.Verify(token)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if gotID != proxyID {
			t.Errorf("Verify() = %q, want %q", gotID, proxyID)
		}
	}
}

func TestTokenRejected(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	sign := func(claims jwt.RegisteredClaims, key []byte) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		if err != nil {
			t.Fatalf("signing fixture token: %v", err)
		}
		return token
	}
	expiry := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", ErrInvalidToken},
		{"garbage", "not-a-jwt-token", ErrInvalidToken},
		{"malformed", "header.payload.signature", ErrInvalidToken},
		{
			"wrong secret",
			sign(jwt.RegisteredClaims{Issuer: tokenIssuer, Subject: "p1", ExpiresAt: expiry}, []byte("different-secret")),
			ErrInvalidToken,
		},
		{
			"foreign issuer",
			sign(jwt.RegisteredClaims{Issuer: "some-other-system", Subject: "p1", ExpiresAt: expiry}, secret),
			ErrInvalidToken,
		},
		{
			"no expiry",
			sign(jwt.RegisteredClaims{Issuer: tokenIssuer, Subject: "p1"}, secret),
			ErrInvalidToken,
		},
		{
			"no subject",
			sign(jwt.RegisteredClaims{Issuer: tokenIssuer, ExpiresAt: expiry}, secret),
			ErrMissingClaim,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenExpired(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))

	token, err := verifier.Generate("proxy-east-1", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}
