package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"foreman/internal/db/repositories"
	"foreman/pkg/models"
)

// Service resolves bearer credentials to users. The core only ever consumes
// the resolved user; token issuance is a CLI concern.
type Service struct {
	repos *repositories.Repositories
}

func NewService(repos *repositories.Repositories) *Service {
	return &Service{repos: repos}
}

var ErrInvalidCredential = errors.New("invalid credential")

// APIKeyPrefix marks foreman-issued keys so they are recognizable in agent
// configs and log scrubbing.
const APIKeyPrefix = "fk-"

// GenerateAPIKey returns a fresh random API key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// Authenticate resolves a raw token to its user.
func (s *Service) Authenticate(token string) (*models.User, error) {
	if token == "" {
		return nil, ErrInvalidCredential
	}
	user, err := s.repos.Users.GetByAPIKey(token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}
	return user, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
