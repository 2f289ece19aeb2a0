// Package auth issues and validates the JWTs guarding the HTTP API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Config holds authentication settings
type Config struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"` // Plaintext or a bcrypt hash
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// Authenticator handles user authentication
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// NewAuthenticator creates an authenticator. Enabling auth without a
// password is an error.
func NewAuthenticator(log logs.Log, config Config) (*Authenticator, error) {
	username := config.Username
	if username == "" {
		username = "admin"
	}

	var passwordHash []byte
	if config.Enabled {
		if config.Password == "" {
			return nil, fmt.Errorf("auth enabled but no password set")
		}
		if isBcryptHash(config.Password) {
			passwordHash = []byte(config.Password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(config.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash password: %w", err)
			}
			passwordHash = hash
		}
		log.Infof("[Auth] Enabled for user %s", username)
	} else {
		log.Warnf("[Auth] Disabled, API is open")
	}

	return &Authenticator{
		enabled:      config.Enabled,
		username:     username,
		passwordHash: passwordHash,
		jwtManager:   NewJWTManager(log, config.JWTSecret, config.JWTExpiry),
	}, nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && s[0] == '$'
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a JWT token
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtManager.GenerateToken(username)
	if err != nil {
		return "", 0, err
	}

	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.jwtManager.ValidateToken(token)
}

// HashPassword creates a bcrypt hash of a password, for config files
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
