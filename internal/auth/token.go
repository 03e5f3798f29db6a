package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "medrelay-identity"
	defaultAudience = "medrelay"
)

// Claims are the verified contents of a bearer token.
type Claims struct {
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies bearer tokens. The signing mode is fixed at
// construction: RS256 when a keypair is configured, HS256 when a shared
// secret is configured. The two modes are mutually exclusive.
type Issuer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	audience  string
	now       func() time.Time
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer) error

// WithRS256Keys configures asymmetric signing from PEM-encoded key material.
func WithRS256Keys(privatePEM, publicPEM string) IssuerOption {
	return func(i *Issuer) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		i.method = jwt.SigningMethodRS256
		i.signKey = priv
		i.verifyKey = pub
		return nil
	}
}

// WithHS256Secret configures symmetric signing with a shared secret.
func WithHS256Secret(secret string) IssuerOption {
	return func(i *Issuer) error {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return errors.New("auth: token secret is empty")
		}
		i.method = jwt.SigningMethodHS256
		i.signKey = []byte(secret)
		i.verifyKey = []byte(secret)
		return nil
	}
}

// WithTokenIssuer overrides the issuer claim.
func WithTokenIssuer(issuer string) IssuerOption {
	return func(i *Issuer) error {
		if v := strings.TrimSpace(issuer); v != "" {
			i.issuer = v
		}
		return nil
	}
}

// WithTokenAudience overrides the audience claim.
func WithTokenAudience(audience string) IssuerOption {
	return func(i *Issuer) error {
		if v := strings.TrimSpace(audience); v != "" {
			i.audience = v
		}
		return nil
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

// NewIssuer constructs an Issuer. Exactly one signing mode must be
// configured; the choice is made once per process, never per call.
func NewIssuer(opts ...IssuerOption) (*Issuer, error) {
	iss := &Issuer{
		issuer:   defaultIssuer,
		audience: defaultAudience,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(iss); err != nil {
			return nil, err
		}
	}
	if iss.method == nil {
		return nil, errors.New("auth: no signing material configured")
	}
	return iss, nil
}

// Issue signs a time-bounded token for the given subject, role and session.
func (i *Issuer) Issue(accountID, role, sessionID string, ttl time.Duration) (string, time.Time, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}

	now := i.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Role:      strings.ToLower(strings.TrimSpace(role)),
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   accountID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(i.method, claims)
	signed, err := token.SignedString(i.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, issuer, audience, expiry and
// not-before explicitly. A token presented exactly at its expiry instant is
// rejected.
func (i *Issuer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return i.now().UTC() }),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != i.method.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
		}
		return i.verifyKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := i.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// validateClaims re-checks the registered claims rather than trusting parser
// defaults.
func (i *Issuer) validateClaims(claims *Claims) error {
	if claims.Issuer != i.issuer {
		return ErrInvalidToken
	}
	audienceOK := false
	for _, aud := range claims.Audience {
		if aud == i.audience {
			audienceOK = true
			break
		}
	}
	if !audienceOK {
		return ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return ErrInvalidToken
	}
	now := i.now().UTC()
	if !now.Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return ErrInvalidToken
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return ErrInvalidToken
	}
	return nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
