// Package crypto mints the random credentials the platform hands to
// devices.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateRandomBytes generates cryptographically secure random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateDeviceToken produces a 64-hex-character device token (32 random bytes).
func GenerateDeviceToken() (string, error) {
	raw, err := GenerateRandomBytes(32)
	if err != nil {
		return "", fmt.Errorf("generate device token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
