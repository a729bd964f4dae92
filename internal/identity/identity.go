// Package identity resolves the caller behind a request or bus message.
// Commands and queries arrive with a signed access token; the claims decide
// which account's fleet the caller may touch and whether admin-only
// operations (regeneration, node configuration) are allowed.
package identity

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("identity: missing token")
	ErrInvalidToken = errors.New("identity: invalid token")
)

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Caller is the resolved identity attached to every command.
type Caller struct {
	UserID string
	// Subject is the certificate common name of a device caller, empty for
	// browser sessions.
	Subject string
	Admin   bool
}

// DeviceSubject reports whether the caller authenticated as a device rather
// than a user session.
func (c Caller) DeviceSubject() bool { return c.Subject != "" }

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates an access token and maps its claims to a
// Caller. The subject claim carries the device common name when the token
// was minted against a device certificate.
func (v *Verifier) Verify(tokenStr string) (Caller, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Caller{}, ErrNoToken
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Caller{}, ErrInvalidToken
	}
	if claims.UserID == "" {
		return Caller{}, ErrInvalidToken
	}
	return Caller{
		UserID:  claims.UserID,
		Subject: claims.Subject,
		Admin:   claims.Role == "admin",
	}, nil
}
