// Package deviceid validates and generates the 64 hex digit machine
// identifiers that the proxy substitutes into vendor user-agent headers.
package deviceid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// Length is the number of hex characters in a device id.
const Length = 64

// ErrInvalid is returned when a string does not have the device id shape.
var ErrInvalid = errors.New("device id must be 64 hexadecimal characters")

var pattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// IsValid reports whether id is exactly 64 characters of [a-f0-9], ignoring case.
func IsValid(id string) bool {
	return pattern.MatchString(id)
}

// Validate returns an error wrapping ErrInvalid when id is malformed.
func Validate(id string) error {
	if !IsValid(id) {
		return fmt.Errorf("%w: got %d characters", ErrInvalid, len(id))
	}
	return nil
}

// Generate returns a new random device id in lowercase hex.
func Generate() (string, error) {
	buf := make([]byte, Length/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Short returns the first 16 characters of id, for log output.
func Short(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16] + "..."
}
