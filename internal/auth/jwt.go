// Package auth provides JWT token issuance and validation for the relay's
// admin API (host registration, bans). There is no end-user session model
// here — a single scope covers everything an operator token can do.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ScopeAdmin is the only token scope the relay issues.
const ScopeAdmin = "relay.admin"

// AdminTTL is how long an admin token remains valid.
const AdminTTL = 24 * time.Hour

// Claims extends the standard JWT claims with the relay's admin scope.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// JWTManager signs and validates admin JWTs using HS256.
type JWTManager struct {
	secret []byte
	issuer string
}

// NewJWTManager creates a manager with the given HMAC secret and issuer.
func NewJWTManager(secret, issuer string) *JWTManager {
	return &JWTManager{secret: []byte(secret), issuer: issuer}
}

// GenerateSecret returns a random 32-byte hex string for use as a JWT secret.
func GenerateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// HashAdminKey bcrypt-hashes a plaintext admin shared secret for storage in
// config, so the relay never needs to keep the plaintext secret at rest.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash admin key: %w", err)
	}
	return string(hash), nil
}

// CheckAdminKey compares a plaintext admin key presented by a client against
// the bcrypt hash stored in config. Returns nil on match.
func CheckAdminKey(hash, key string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return fmt.Errorf("auth: admin key mismatch: %w", err)
	}
	return nil
}

// IssueAdminToken creates a short-lived admin token for the given operator
// subject (e.g. an email or username recorded for audit purposes).
func (m *JWTManager) IssueAdminToken(subject string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AdminTTL)),
		},
		Scope: ScopeAdmin,
	})
	str, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign admin token: %w", err)
	}
	return str, nil
}

// ValidateAdminToken parses and validates an admin JWT, returning the
// subject. Returns an error if the token is invalid, expired, or carries
// the wrong scope.
func (m *JWTManager) ValidateAdminToken(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if claims.Scope != ScopeAdmin {
		return "", fmt.Errorf("auth: wrong scope: got %q, want %q", claims.Scope, ScopeAdmin)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("auth: missing subject")
	}
	return claims.Subject, nil
}
