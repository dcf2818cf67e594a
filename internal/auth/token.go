package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the panel's token payload. It carries only the user id
// (subject) and the login email; display names stay in the credential table
// so renaming a user does not invalidate outstanding tokens.
type sessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// signToken issues an HS256 session token for the user.
func (s *Service) signToken(user *User) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}

	now := time.Now()
	claims := sessionClaims{
		Email: strings.ToLower(strings.TrimSpace(user.Email)),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken parses a bearer token and resolves it back to a panel user.
// The user's current display name is looked up from the credential table.
func (s *Service) ValidateToken(token string) (*User, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}

	user := &User{ID: claims.Subject, Email: claims.Email}
	if cred, ok := s.byEmail[claims.Email]; ok {
		user.Name = cred.Name
	}
	return user, nil
}
