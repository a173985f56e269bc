package auth

import (
	"testing"
	"time"

	"i4.energy/across/modemfleet/internal/config"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		Issuer:           "modemfleet",
		Audience:         "modemfleet-clients",
		Key:              "test-signing-key",
		ExpireMinutes:    60,
		RefreshTokenDays: 30,
	}
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())

	token, err := issuer.IssueAccessToken("u1", "Admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userID, role, err := issuer.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "u1" || role != "Admin" {
		t.Errorf("got userID=%q role=%q, want u1/Admin", userID, role)
	}
}

func TestVerifyAccessTokenRejectsTampering(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())
	token, err := issuer.IssueAccessToken("u1", "User")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, err := issuer.VerifyAccessToken(token + "x"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for a tampered signature, got %v", err)
	}
	if _, _, err := issuer.VerifyAccessToken("not.a.token"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for garbage input, got %v", err)
	}
	if _, _, err := issuer.VerifyAccessToken("missing-dots"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for malformed input, got %v", err)
	}
}

func TestVerifyAccessTokenRejectsWrongIssuerAudience(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())
	token, err := issuer.IssueAccessToken("u1", "User")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other := NewIssuer(config.JWTConfig{Issuer: "other", Audience: "other-clients", Key: "test-signing-key", ExpireMinutes: 60})
	if _, _, err := other.VerifyAccessToken(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken across issuers, got %v", err)
	}
}

func TestVerifyAccessTokenRejectsExpired(t *testing.T) {
	cfg := testJWTConfig()
	cfg.ExpireMinutes = -1 // already expired a minute ago, regardless of clock granularity
	issuer := NewIssuer(cfg)
	token, err := issuer.IssueAccessToken("u1", "User")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, err := issuer.VerifyAccessToken(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for an expired token, got %v", err)
	}
}

func TestRefreshDuration(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())
	want := 30 * 24 * time.Hour
	if got := issuer.RefreshDuration(); got != want {
		t.Errorf("RefreshDuration() = %v, want %v", got, want)
	}
}

func TestNewRefreshTokenIsRandomAndHashStable(t *testing.T) {
	a, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Error("expected two generated refresh tokens to differ")
	}
	if HashRefreshToken(a) != HashRefreshToken(a) {
		t.Error("expected HashRefreshToken to be deterministic for the same input")
	}
	if HashRefreshToken(a) == HashRefreshToken(b) {
		t.Error("expected different tokens to hash differently")
	}
	if HashRefreshToken(a) == a {
		t.Error("expected the hash to not equal the bearer token itself")
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, salt, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !VerifyPassword("correct-horse", hash, salt) {
		t.Error("expected VerifyPassword to accept the correct password")
	}
	if VerifyPassword("wrong-password", hash, salt) {
		t.Error("expected VerifyPassword to reject an incorrect password")
	}

	hash2, salt2, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash == hash2 || salt == salt2 {
		t.Error("expected two hashes of the same password to differ (random salt)")
	}
}
