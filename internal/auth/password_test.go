package auth

import (
	"encoding/hex"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, salt, err := HashPassword("Secret123!", nil)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "" || salt == "" {
		t.Fatal("expected non-empty hash and salt")
	}
	if len(hash) != kdfKeyLen*2 {
		t.Fatalf("expected %d hex chars of hash, got %d", kdfKeyLen*2, len(hash))
	}
	if !VerifyPassword("Secret123!", hash, salt) {
		t.Fatal("correct password did not verify")
	}
	if VerifyPassword("Secret123?", hash, salt) {
		t.Fatal("wrong password verified")
	}
	if VerifyPassword("", hash, salt) {
		t.Fatal("empty password verified")
	}
}

func TestHashPasswordDeterministicForSalt(t *testing.T) {
	salt, _ := hex.DecodeString("00112233445566778899aabbccddeeff")
	h1, s1, err := HashPassword("pass-phrase", salt)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, s2, err := HashPassword("pass-phrase", salt)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if h1 != h2 || s1 != s2 {
		t.Fatal("hash must be deterministic for a fixed (plaintext, salt) pair")
	}
}

func TestHashPasswordFreshSalts(t *testing.T) {
	_, s1, err := HashPassword("pw", nil)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	_, s2, err := HashPassword("pw", nil)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if s1 == s2 {
		t.Fatal("expected distinct random salts")
	}
}

func TestVerifyLegacyPassword(t *testing.T) {
	hash := LegacyHashForTests("old-secret")
	if !verifyLegacyPassword("old-secret", hash) {
		t.Fatal("legacy password did not verify")
	}
	if verifyLegacyPassword("other", hash) {
		t.Fatal("wrong legacy password verified")
	}
	if verifyLegacyPassword("old-secret", "zz-not-hex") {
		t.Fatal("malformed stored hash must not verify")
	}
}
