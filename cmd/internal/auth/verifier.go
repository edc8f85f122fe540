// Package auth is the relay's authentication boundary: an opaque token goes
// in, a verified identity comes out. Credential issuance and user management
// live elsewhere.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification
// (bad signature, expired, malformed, unknown).
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is a verified principal.
type Identity struct {
	UserID string
	Email  string
}

// Verifier checks a bearer token once per connection handshake.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier validates HS256-signed JWTs. The user id is the "sub" claim;
// "email" is carried for display in fan-out events.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a JWTVerifier. The secret must be at least 32
// bytes; shorter HMAC keys are rejected outright.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: jwt secret must be at least 32 bytes")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify parses and validates the token, returning the embedded identity.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	claims := jwt.MapClaims{}

	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	email, _ := claims["email"].(string)
	return Identity{UserID: sub, Email: email}, nil
}

// StaticVerifier maps fixed tokens to identities. Dev and test use only.
type StaticVerifier map[string]Identity

// Verify looks the token up in the static map.
func (s StaticVerifier) Verify(token string) (Identity, error) {
	id, ok := s[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
