package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Service checks bearer tokens against a fixed credential list.
type Service struct {
	creds []Credential
}

// NewService validates creds and returns a Service over them.
func NewService(creds []Credential) (*Service, error) {
	for i, c := range creds {
		if c.Name == "" {
			return nil, fmt.Errorf("token %d: name is required", i)
		}
		if c.Role != RoleViewer && c.Role != RoleAdmin {
			return nil, fmt.Errorf("token %s: %w %q", c.Name, ErrInvalidRole, c.Role)
		}
		if (c.Token == "") == (c.TokenHash == "") {
			return nil, fmt.Errorf("token %s: set exactly one of token or token_hash", c.Name)
		}
		if c.TokenHash != "" {
			if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
				return nil, fmt.Errorf("token %s: token_hash: %w", c.Name, err)
			}
		}
	}
	return &Service{creds: append([]Credential(nil), creds...)}, nil
}

// Authenticate returns the credential matching token.
func (s *Service) Authenticate(token string) (Result, error) {
	if token == "" {
		return Result{}, ErrInvalidCredentials
	}
	for _, c := range s.creds {
		if c.Token != "" {
			if subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) == 1 {
				return Result{Name: c.Name, Role: c.Role}, nil
			}
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(token)) == nil {
			return Result{Name: c.Name, Role: c.Role}, nil
		}
	}
	return Result{}, ErrInvalidCredentials
}

// HashToken returns a bcrypt hash suitable for token_hash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidCredentials
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
