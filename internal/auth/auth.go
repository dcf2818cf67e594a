// Package auth authenticates panel users with static credentials from the
// config file and issues JWTs for the browser session.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/zapdeck/panel/internal/observability"
)

var (
	ErrAuthDisabled       = errors.New("auth is not configured")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// User is an authenticated panel user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Credential is a configured panel login. PasswordSHA256 is the lowercase
// hex SHA-256 of the password; the plaintext never lives in config.
type Credential struct {
	ID             string `yaml:"id"`
	Email          string `yaml:"email"`
	Name           string `yaml:"name"`
	PasswordSHA256 string `yaml:"password_sha256"`
}

// TokenConfig controls session token issuance. A non-positive Expiry issues
// tokens without an expiration claim, for kiosk-style deployments.
type TokenConfig struct {
	Secret string
	Expiry time.Duration
}

// Service verifies logins and signs/validates session tokens.
type Service struct {
	byEmail map[string]Credential
	secret  []byte
	expiry  time.Duration
	logger  *observability.Logger
}

// NewService builds the auth service from configured credentials.
func NewService(credentials []Credential, tokens TokenConfig, logger *observability.Logger) *Service {
	byEmail := make(map[string]Credential, len(credentials))
	for _, cred := range credentials {
		email := strings.ToLower(strings.TrimSpace(cred.Email))
		if email == "" {
			continue
		}
		byEmail[email] = cred
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Service{
		byEmail: byEmail,
		secret:  []byte(tokens.Secret),
		expiry:  tokens.Expiry,
		logger:  logger,
	}
}

// Enabled reports whether logins can succeed at all: at least one credential
// and a signing secret.
func (s *Service) Enabled() bool {
	return s != nil && len(s.byEmail) > 0 && len(s.secret) > 0
}

// Login verifies the email/password pair and issues a session token.
// The password comparison is constant-time over the digest so login timing
// does not reveal whether the email exists.
func (s *Service) Login(ctx context.Context, email, password string) (*User, string, error) {
	if !s.Enabled() {
		return nil, "", ErrAuthDisabled
	}

	cred, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	digest := sha256.Sum256([]byte(password))
	want, decodeErr := hex.DecodeString(cred.PasswordSHA256)
	match := ok && decodeErr == nil &&
		subtle.ConstantTimeCompare(digest[:], want) == 1

	if !match {
		s.logger.Warn(ctx, "login rejected", "email", strings.ToLower(strings.TrimSpace(email)))
		return nil, "", ErrInvalidCredentials
	}

	user := s.userFor(cred)
	token, err := s.signToken(user)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info(ctx, "login accepted", "user_id", user.ID)
	return user, token, nil
}

// userFor maps a credential to its panel user. Credentials without an
// explicit id fall back to the normalized email.
func (s *Service) userFor(cred Credential) *User {
	id := cred.ID
	if id == "" {
		id = strings.ToLower(strings.TrimSpace(cred.Email))
	}
	return &User{ID: id, Email: cred.Email, Name: cred.Name}
}

// HashPassword returns the config representation of a password. Exposed for
// the CLI's credential helper.
func HashPassword(password string) string {
	digest := sha256.Sum256([]byte(password))
	return hex.EncodeToString(digest[:])
}
