package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidIdentityToken is returned for identity proofs that fail
// verification.
var ErrInvalidIdentityToken = errors.New("invalid identity token")

// TokenVerifier validates signed identity proofs. An agent may present an
// HS256 JWT whose subject is its name and whose skills claim carries its
// declared skills; a valid proof overrides self-declared skills and marks
// the identity trusted.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier with the given shared secret. A nil
// or empty secret disables verification.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Enabled reports whether identity proofs can be verified.
func (v *TokenVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

type identityClaims struct {
	Skills []string `json:"skills,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates an identity proof and returns the identity
// embedded in it.
func (v *TokenVerifier) Verify(token string) (*Identity, error) {
	if !v.Enabled() {
		return nil, fmt.Errorf("%w: verification disabled", ErrInvalidIdentityToken)
	}

	parsed, err := jwt.ParseWithClaims(token, &identityClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidIdentityToken
	}

	claims, ok := parsed.Claims.(*identityClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidIdentityToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidIdentityToken
	}

	return &Identity{
		Name:   claims.Subject,
		Skills: claims.Skills,
	}, nil
}
