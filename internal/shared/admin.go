package shared

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// AdminVerifier checks the admin password guarding destructive operations.
type AdminVerifier struct {
	hash []byte
}

// NewAdminVerifier constructs AdminVerifier from a bcrypt hash. An empty hash
// rejects every password.
func NewAdminVerifier(hash string) *AdminVerifier {
	return &AdminVerifier{hash: []byte(hash)}
}

// Verify returns ErrInvalidCredentials unless password matches.
func (v *AdminVerifier) Verify(password string) error {
	if v == nil || len(v.hash) == 0 || password == "" {
		return ErrInvalidCredentials
	}
	err := bcrypt.CompareHashAndPassword(v.hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("shared: verify admin password: %w", err)
	}
	return nil
}
