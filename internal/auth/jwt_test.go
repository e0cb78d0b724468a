package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/config"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/crypto"
)

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	hash, err := crypto.HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	return NewJWTManager(&config.JWTConfig{
		Secret:          "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}, "admin", hash)
}

func TestAuthenticate(t *testing.T) {
	m := newManager(t)
	tests := []struct {
		user, pass string
		ok         bool
	}{
		{"admin", "hunter2", true},
		{"admin", "wrong", false},
		{"root", "hunter2", false},
	}
	for _, tt := range tests {
		err := m.Authenticate(tt.user, tt.pass)
		if tt.ok && err != nil {
			t.Fatalf("%s/%s: %v", tt.user, tt.pass, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s/%s: err = %v", tt.user, tt.pass, err)
		}
	}

	disabled := NewJWTManager(&config.JWTConfig{Secret: "s"}, "admin", "")
	if err := disabled.Authenticate("admin", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty hash accepted a login: %v", err)
	}
}

func TestTokenPair(t *testing.T) {
	m := newManager(t)
	access, refresh, err := m.GenerateTokenPair("admin")
	if err != nil {
		t.Fatal(err)
	}

	claims, err := m.ValidateToken(access)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Username != "admin" || claims.TokenType != TokenAccess {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := m.ValidateToken(refresh); err == nil {
		t.Fatal("refresh token accepted as access token")
	}
	if _, _, err := m.RefreshToken(access); err == nil {
		t.Fatal("access token accepted as refresh token")
	}

	newAccess, _, err := m.RefreshToken(refresh)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if _, err := m.ValidateToken(newAccess); err != nil {
		t.Fatalf("refreshed token: %v", err)
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	m := newManager(t)
	other := NewJWTManager(&config.JWTConfig{Secret: "other", AccessTokenTTL: time.Minute}, "admin", "")
	token, _, err := other.GenerateTokenPair("admin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ValidateToken(token); err == nil {
		t.Fatal("token signed with another secret accepted")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	m := NewJWTManager(&config.JWTConfig{Secret: "s", AccessTokenTTL: -time.Minute}, "admin", "")
	token, _, err := m.GenerateTokenPair("admin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ValidateToken(token); err == nil {
		t.Fatal("expired token accepted")
	}
}
