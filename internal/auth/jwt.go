package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/config"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/crypto"
)

const issuer = "uwb-ranging-server"

// Token types carried in the "typ" claim
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// ErrInvalidCredentials is returned by Authenticate on a bad login
var ErrInvalidCredentials = errors.New("invalid credentials")

// JWTManager manages JWT tokens for the operator account
type JWTManager struct {
	config       *config.JWTConfig
	username     string
	passwordHash string
}

// NewJWTManager creates a new JWT manager. passwordHash is bcrypt; an
// empty hash disables password logins.
func NewJWTManager(cfg *config.JWTConfig, username, passwordHash string) *JWTManager {
	return &JWTManager{
		config:       cfg,
		username:     username,
		passwordHash: passwordHash,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username  string `json:"username"`
	TokenType string `json:"typ"`
}

// Authenticate checks a username and password against the operator account
func (m *JWTManager) Authenticate(username, password string) error {
	if m.passwordHash == "" || username != m.username {
		return ErrInvalidCredentials
	}
	if !crypto.VerifyPassword(password, m.passwordHash) {
		return ErrInvalidCredentials
	}
	return nil
}

// GenerateTokenPair generates access and refresh tokens
func (m *JWTManager) GenerateTokenPair(username string) (string, string, error) {
	access, err := m.sign(username, TokenAccess, m.config.AccessTokenTTL)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := m.sign(username, TokenRefresh, m.config.RefreshTokenTTL)
	if err != nil {
		return "", "", fmt.Errorf("sign refresh token: %w", err)
	}
	return access, refresh, nil
}

func (m *JWTManager) sign(username, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Username:  username,
		TokenType: typ,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.Secret))
}

// ValidateToken validates an access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	return m.parse(tokenString, TokenAccess)
}

// RefreshToken exchanges a refresh token for a new token pair
func (m *JWTManager) RefreshToken(refreshTokenString string) (string, string, error) {
	claims, err := m.parse(refreshTokenString, TokenRefresh)
	if err != nil {
		return "", "", err
	}
	if claims.Username != m.username {
		return "", "", fmt.Errorf("unknown user in token")
	}
	return m.GenerateTokenPair(claims.Username)
}

func (m *JWTManager) parse(tokenString, typ string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TokenType != typ {
		return nil, fmt.Errorf("expected %s token, got %q", typ, claims.TokenType)
	}
	return claims, nil
}
