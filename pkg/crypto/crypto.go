package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateRandomString generates a random string
func GenerateRandomString(n int) (string, error) {
	bytes, err := GenerateRandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// GenerateSessionID returns a random signed 32-bit session id
func GenerateSessionID() (int32, error) {
	b, err := GenerateRandomBytes(4)
	if err != nil {
		return 0, fmt.Errorf("generate session id: %w", err)
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// GenerateSessionKey returns n random bytes of session key info
func GenerateSessionKey(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid session key length: %d", n)
	}
	b, err := GenerateRandomBytes(n)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return b, nil
}
