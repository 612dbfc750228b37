package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/commune/pkg/models"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidKey         = errors.New("invalid api key")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
	// Required rejects unauthenticated requests instead of treating them as anonymous.
	Required bool
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key      string
	UserID   string
	Username string
	Name     string
}

// Service validates JWTs and API keys.
type Service struct {
	jwt      *JWTService
	apiKeys  map[string]*models.User
	required bool
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{required: cfg.Required}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether credentials can be checked at all.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// Required reports whether callers must present valid credentials.
func (s *Service) Required() bool {
	return s.Enabled() && s.required
}

// GenerateJWT issues a signed token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateJWT validates a JWT and returns the associated user.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated user.
// Every stored key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matchedUser *models.User
	for storedKey, user := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matchedUser = user
		}
	}
	if matchedUser == nil {
		return nil, ErrInvalidKey
	}
	clone := *matchedUser
	return &clone, nil
}

// Authenticate resolves credentials to a user, trying a JWT first and then an
// API key.
func (s *Service) Authenticate(creds Credentials) (*models.User, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	if creds.Token != "" {
		if user, err := s.ValidateJWT(creds.Token); err == nil {
			return user, nil
		}
		// Static keys may also be presented as bearer tokens.
		if user, err := s.ValidateAPIKey(creds.Token); err == nil {
			return user, nil
		}
		return nil, ErrInvalidToken
	}
	if creds.APIKey != "" {
		return s.ValidateAPIKey(creds.APIKey)
	}
	return nil, ErrMissingCredentials
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*models.User {
	out := map[string]*models.User{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &models.User{
			ID:       userID,
			Username: strings.TrimSpace(entry.Username),
			Name:     strings.TrimSpace(entry.Name),
		}
	}
	return out
}
