package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := "test-secret"

	token, err := GenerateToken(secret, 42, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	claims, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.UserID != 42 {
		t.Errorf("expected user id 42, got %d", claims.UserID)
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(time.Now()) {
		t.Error("expected a future expiry")
	}
}

func TestParseTokenRejections(t *testing.T) {
	secret := "test-secret"

	t.Run("wrong secret", func(t *testing.T) {
		token, err := GenerateToken(secret, 1, time.Hour)
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		if _, err := ParseToken("other-secret", token); err == nil {
			t.Error("expected signature verification to fail")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		claims := &Claims{
			UserID: 1,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
				IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		if _, err := ParseToken(secret, token); err == nil {
			t.Error("expected expired token to be rejected")
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if _, err := ParseToken(secret, "not.a.token"); err == nil {
			t.Error("expected parse failure")
		}
	})
}

func TestGenerateTokenDefaultTTL(t *testing.T) {
	token, err := GenerateToken("s", 7, 0)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	claims, err := ParseToken("s", token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	// Zero ttl falls back to 24h.
	if remaining := time.Until(claims.ExpiresAt.Time); remaining < 23*time.Hour {
		t.Errorf("expected ~24h lifetime, got %v", remaining)
	}
}
