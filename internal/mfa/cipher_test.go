package mfa

import (
	"bytes"
	"testing"
)

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(1))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	sealed, err := c.Seal([]byte("JBSWY3DPEHPK3PXP"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("JBSWY3DPEHPK3PXP")) {
		t.Fatal("sealed output must not contain the plaintext")
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestCipherFailsClosed(t *testing.T) {
	c, err := NewCipher(testKey(1))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	sealed, err := c.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := c.Open(tampered); err == nil {
		t.Fatal("tampered ciphertext must not open")
	}

	if _, err := c.Open(sealed[:8]); err == nil {
		t.Fatal("truncated ciphertext must not open")
	}

	other, err := NewCipher(testKey(2))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("wrong key must not open")
	}
}

func TestNewCipherRejectsBadKeyLength(t *testing.T) {
	if _, err := NewCipher(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := NewCipher(nil); err == nil {
		t.Fatal("expected error for nil key")
	}
}
