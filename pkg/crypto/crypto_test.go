package crypto

import (
	"bytes"
	"testing"
)

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("s3cret", hash) {
		t.Fatal("VerifyPassword rejected the right password")
	}
	if VerifyPassword("wrong", hash) {
		t.Fatal("VerifyPassword accepted a wrong password")
	}
}

func TestGenerateSessionKey(t *testing.T) {
	a, err := GenerateSessionKey(8)
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}
	if len(a) != 8 {
		t.Fatalf("len = %d, want 8", len(a))
	}
	b, _ := GenerateSessionKey(8)
	if bytes.Equal(a, b) {
		t.Fatal("two keys are identical")
	}
	if _, err := GenerateSessionKey(0); err == nil {
		t.Fatal("GenerateSessionKey(0) succeeded")
	}
}

func TestGenerateSessionIDVaries(t *testing.T) {
	seen := make(map[int32]bool)
	for i := 0; i < 16; i++ {
		id, err := GenerateSessionID()
		if err != nil {
			t.Fatalf("GenerateSessionID: %v", err)
		}
		seen[id] = true
	}
	if len(seen) < 2 {
		t.Fatal("session ids do not vary")
	}
}
