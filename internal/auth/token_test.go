package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"
)

func testKeypairPEM(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(privPEM), string(pubPEM)
}

func TestIssueAndVerifyHS256(t *testing.T) {
	iss, err := NewIssuer(WithHS256Secret("unit-test-secret"), WithTokenIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, expiresAt, err := iss.Issue("acc-42", "Provider", "sess-7", 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}
	claims, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "acc-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Role != "provider" {
		t.Fatalf("role not normalized: %s", claims.Role)
	}
	if claims.SessionID != "sess-7" {
		t.Fatalf("unexpected session id: %s", claims.SessionID)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
}

func TestIssueAndVerifyRS256(t *testing.T) {
	priv, pub := testKeypairPEM(t)
	iss, err := NewIssuer(WithRS256Keys(priv, pub))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := iss.Issue("acc-1", "user", "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := iss.Verify(token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsExactlyAtExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	iss, err := NewIssuer(WithHS256Secret("s3cret"), WithIssuerClock(clock))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := iss.Issue("acc-1", "user", "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(59 * time.Second)
	if _, err := iss.Verify(token); err != nil {
		t.Fatalf("token should still be valid just before expiry: %v", err)
	}

	now = now.Add(time.Second) // exactly at expiry
	if _, err := iss.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired at the expiry instant, got %v", err)
	}
}

func TestVerifyRejectsWrongIssuerAndAudience(t *testing.T) {
	a, err := NewIssuer(WithHS256Secret("shared"), WithTokenIssuer("service-a"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	b, err := NewIssuer(WithHS256Secret("shared"), WithTokenIssuer("service-b"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := a.Issue("acc-1", "user", "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong issuer, got %v", err)
	}

	c, err := NewIssuer(WithHS256Secret("shared"), WithTokenAudience("other-app"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if _, err := c.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong audience, got %v", err)
	}
}

func TestVerifyRejectsUnexpectedAlgorithm(t *testing.T) {
	hs, err := NewIssuer(WithHS256Secret("shared"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	priv, pub := testKeypairPEM(t)
	rs, err := NewIssuer(WithRS256Keys(priv, pub))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := hs.Issue("acc-1", "user", "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := rs.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for HS256 token on RS256 verifier, got %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	iss, err := NewIssuer(WithHS256Secret("s3cret"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := iss.Issue("acc-1", "user", "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := iss.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewIssuerRequiresSigningMaterial(t *testing.T) {
	if _, err := NewIssuer(); err == nil {
		t.Fatal("expected error when no signing material is configured")
	}
}
