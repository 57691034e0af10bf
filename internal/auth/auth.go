// Package auth builds the bearer token sent on the event socket handshake.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rickgao/taskpulse/internal/config"
)

// TokenSource produces a bearer token for each dial.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a pre-issued token used verbatim.
type StaticToken string

// Token returns the token.
func (s StaticToken) Token() (string, error) { return string(s), nil }

// Signer mints a short-lived JWT per dial.
type Signer struct {
	method  jwt.SigningMethod
	key     any
	subject string
	ttl     time.Duration
	now     func() time.Time
}

// NewHS256 returns a Signer using a shared secret.
func NewHS256(secret []byte, subject string, ttl time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &Signer{method: jwt.SigningMethodHS256, key: secret, subject: subject, ttl: ttl, now: time.Now}, nil
}

// NewRS256 returns a Signer using an RSA private key.
func NewRS256(key *rsa.PrivateKey, subject string, ttl time.Duration) (*Signer, error) {
	if key == nil {
		return nil, errors.New("rsa private key is required")
	}
	return &Signer{method: jwt.SigningMethodRS256, key: key, subject: subject, ttl: ttl, now: time.Now}, nil
}

// Token signs a fresh token.
func (s *Signer) Token() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// FromConfig picks a token source: a static token, then an HS256 secret, then
// an RS256 key file. It returns nil, nil when none is configured.
func FromConfig(cfg config.AuthConfig) (TokenSource, error) {
	switch {
	case cfg.Token != "":
		return StaticToken(cfg.Token), nil
	case cfg.JWTSecret != "":
		return NewHS256([]byte(cfg.JWTSecret), cfg.Subject, cfg.TokenTTL)
	case cfg.PrivateKeyPath != "":
		key, err := LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load private key: %w", err)
		}
		return NewRS256(key, cfg.Subject, cfg.TokenTTL)
	default:
		return nil, nil
	}
}

// Func adapts ts to the connection client's token hook. A nil source yields nil.
func Func(ts TokenSource) func() (string, error) {
	if ts == nil {
		return nil
	}
	return ts.Token
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}
