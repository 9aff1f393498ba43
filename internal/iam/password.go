package iam

import (
	"errors"
	"fmt"

	"github.com/medrex/opd-queue/pkg/types"
	"golang.org/x/crypto/bcrypt"
)

// PasswordManager implements password hashing and verification
type PasswordManager struct {
	cost      int
	minLength int
}

// NewPasswordManager creates a password manager. A cost outside bcrypt's
// range falls back to bcrypt.DefaultCost.
func NewPasswordManager(cost, minLength int) *PasswordManager {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordManager{
		cost:      cost,
		minLength: minLength,
	}
}

// Validate enforces the minimum password length
func (pm *PasswordManager) Validate(password string) error {
	if len(password) < pm.minLength {
		return types.NewValidationError(types.ErrCodeValidationFailed,
			fmt.Sprintf("password must be at least %d characters", pm.minLength), nil)
	}
	// bcrypt ignores everything past 72 bytes
	if len(password) > 72 {
		return types.NewValidationError(types.ErrCodeValidationFailed, "password must be at most 72 bytes", nil)
	}
	return nil
}

// HashPassword hashes a password using bcrypt
func (pm *PasswordManager) HashPassword(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), pm.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// VerifyPassword verifies a password against its hash
func (pm *PasswordManager) VerifyPassword(hashedPassword, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("failed to verify password: %w", err)
	}
	return true, nil
}
