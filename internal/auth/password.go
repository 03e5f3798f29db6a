package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters for the current scheme. The output is 512 bits;
// the iteration count follows the OWASP recommendation for PBKDF2-SHA512.
const (
	kdfIterations = 210000
	kdfKeyLen     = 64
	kdfSaltLen    = 16
)

// HashPassword derives a salted hash of the plaintext. When salt is empty a
// fresh random salt is generated. The result is deterministic for a given
// (plaintext, salt) pair; both values are returned hex-encoded.
func HashPassword(password string, salt []byte) (hash, outSalt string, err error) {
	if len(password) == 0 {
		return "", "", errors.New("password is empty")
	}
	if len(salt) == 0 {
		salt = make([]byte, kdfSaltLen)
		if _, err := rand.Read(salt); err != nil {
			return "", "", fmt.Errorf("generate salt: %w", err)
		}
	}
	key := pbkdf2.Key([]byte(password), salt, kdfIterations, kdfKeyLen, sha512.New)
	return hex.EncodeToString(key), hex.EncodeToString(salt), nil
}

// VerifyPassword recomputes the salted hash and compares it in constant time.
func VerifyPassword(password, hashHex, saltHex string) bool {
	if password == "" || hashHex == "" || saltHex == "" {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	key := pbkdf2.Key([]byte(password), salt, kdfIterations, kdfKeyLen, sha512.New)
	expected, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(key, expected) == 1
}

// verifyLegacyPassword checks a credential from the unsalted SHA-256 era.
// Only used to authenticate once before the upgrade to the salted scheme.
func verifyLegacyPassword(password, hashHex string) bool {
	if password == "" || hashHex == "" {
		return false
	}
	sum := sha256.Sum256([]byte(password))
	expected, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(sum[:], expected) == 1
}

// LegacyHashForTests produces an unsalted SHA-256 credential hash. Only
// intended for seeding upgrade-path fixtures.
func LegacyHashForTests(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
