package hub

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the operator identity a session connects with.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	TeamID string `json:"team_id,omitempty"`

	jwt.RegisteredClaims
}

// Authenticator verifies HS256 session tokens.
type Authenticator struct {
	Secret []byte
}

func (a Authenticator) Verify(token string) (Claims, error) {
	if len(a.Secret) == 0 {
		return Claims{}, errors.New("auth secret not configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return a.Secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if c.UserID == "" {
		return Claims{}, errors.New("token without user id")
	}
	return *c, nil
}
