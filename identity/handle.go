package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// HandleRecord captures the metadata for a registered handle.
type HandleRecord struct {
	Handle    string   `json:"handle"`
	Address   [20]byte `json:"address"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
}

const (
	handleMinLength = 3
	handleMaxLength = 32
)

var (
	handlePattern = regexp.MustCompile(`^[a-z0-9._-]+$`)
	// ErrInvalidHandle is returned when the supplied handle does not satisfy
	// the naming constraints.
	ErrInvalidHandle = errors.New("identity: invalid handle")
	// ErrHandleTaken is returned when the handle is already owned by another
	// address.
	ErrHandleTaken = errors.New("identity: handle already registered")
	// ErrUnregisteredHandle is returned when no address is bound to the
	// handle.
	ErrUnregisteredHandle = errors.New("identity: handle not registered")
)

// NormalizeHandle lowercases and validates the supplied handle.
func NormalizeHandle(handle string) (string, error) {
	trimmed := strings.TrimSpace(handle)
	lower := strings.ToLower(trimmed)
	length := len(lower)
	if length < handleMinLength || length > handleMaxLength {
		return "", fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidHandle, handleMinLength, handleMaxLength)
	}
	if !handlePattern.MatchString(lower) {
		return "", fmt.Errorf("%w: allowed characters are [a-z0-9._-]", ErrInvalidHandle)
	}
	return lower, nil
}
