// Package uuid generates and validates the client-side idempotency keys
// submitted with queued mutations.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// NewKey generates a new idempotency key.
func NewKey() models.UUID {
	return models.UUID(uuid.New().String())
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateKey returns an error if key is not a valid UUID v4. Keys received
// from older clients may be upper-case; they are still accepted.
func ValidateKey(key models.UUID) error {
	if !IsValid(string(key)) {
		return fmt.Errorf("invalid idempotency key: %q", key)
	}
	return nil
}
