// Package token mints and verifies the session tokens a client presents to
// reconnect without a full password re-authentication.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the session token's payload: the authenticated identity plus the
// role set resolved at mint time. Roles are a snapshot — a long-lived token
// does not pick up role changes until it is reissued.
type Claims struct {
	UserID uint32   `json:"sub"`
	OrgID  uint32   `json:"org"`
	Roles  []uint32 `json:"roles"`
	jwt.RegisteredClaims
}

// Minter signs and verifies session tokens with a single shared secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
}

// NewMinter returns a Minter signing with secret and issuing tokens valid
// for ttl.
func NewMinter(secret []byte, ttl time.Duration) *Minter {
	return &Minter{secret: secret, ttl: ttl}
}

// Mint produces a signed token for the given identity.
func (m *Minter) Mint(userID, orgID uint32, roleIDs []uint32) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		OrgID:  orgID,
		Roles:  append([]uint32(nil), roleIDs...),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// ErrInvalid is returned for any malformed, unsigned, or expired token.
var ErrInvalid = errors.New("token: invalid session token")

// Verify parses and validates raw, returning its claims on success.
func (m *Minter) Verify(raw string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("token: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalid
	}
	return claims, nil
}
