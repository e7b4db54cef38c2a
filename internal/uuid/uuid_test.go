// Package uuid provides unit tests for idempotency key generation.
package uuid

import (
	"regexp"
	"testing"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()

	uuidRegex := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !uuidRegex.MatchString(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

// TestNewKeyUniqueness tests that NewKey() generates unique keys.
func TestNewKeyUniqueness(t *testing.T) {
	keys := make(map[models.UUID]bool)

	for i := 0; i < 1000; i++ {
		k := NewKey()
		if keys[k] {
			t.Errorf("Duplicate key generated: %s", k)
		}
		keys[k] = true
	}
}

// TestValidateKey tests key validation.
func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     models.UUID
		wantErr bool
	}{
		{"valid", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"upper case", "F47AC10B-58CC-4372-A567-0E02B2C3D479", false},
		{"empty", "", true},
		{"version 1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", true},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", true},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}
