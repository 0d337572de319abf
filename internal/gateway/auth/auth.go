// Package auth validates client tokens and derives the per-session
// credentials injected into sandboxes.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "boxgate"

// MinSecretLen is the floor for the shared service token.
const MinSecretLen = 32

// Verifier checks user-facing JWTs minted by the platform with the shared
// service token.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for the given service token.
func NewVerifier(serviceToken string) (*Verifier, error) {
	if len(serviceToken) < MinSecretLen {
		return nil, fmt.Errorf("service token must be at least %d bytes", MinSecretLen)
	}
	return &Verifier{secret: []byte(serviceToken)}, nil
}

// VerifyUserToken validates an HS256 JWT and returns its subject (the
// user id). Expiry and issuer are enforced.
func (v *Verifier) VerifyUserToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// MintUserToken signs a user JWT. The gateway itself only needs this in
// tests and local development; production tokens come from the platform.
func (v *Verifier) MintUserToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// SandboxToken derives the session-scoped credential injected into a
// sandbox. It is a pure function of (serviceToken, sessionID) so sandboxes
// restored from old snapshots keep working credentials.
func SandboxToken(serviceToken, sessionID string) string {
	mac := hmac.New(sha256.New, []byte(serviceToken))
	mac.Write([]byte("sandbox-token:" + sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySandboxToken reports whether token is the derived credential for
// sessionID, in constant time.
func VerifySandboxToken(serviceToken, sessionID, token string) bool {
	want := SandboxToken(serviceToken, sessionID)
	return hmac.Equal([]byte(want), []byte(token))
}
