package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const secretSize = 32

var errMalformed = errors.New("malformed refresh token")

// Secret is the random half of a refresh token.
type Secret [secretSize]byte

// NewSecret reads a fresh secret from crypto/rand.
func NewSecret() (Secret, error) {
	var s Secret
	_, err := rand.Read(s[:])
	return s, err
}

// Hash returns the sha256 stored in place of the secret.
func (s Secret) Hash() [32]byte {
	return sha256.Sum256(s[:])
}

// Encode renders the literal token value handed to clients.
func Encode(recordID string, secret Secret) string {
	return recordID + "." + base64.RawURLEncoding.EncodeToString(secret[:])
}

// Decode splits a token into its record id and secret.
func Decode(value string) (string, Secret, error) {
	var secret Secret

	id, enc, ok := strings.Cut(value, ".")
	if !ok || id == "" || enc == "" {
		return "", secret, errMalformed
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", secret, errMalformed
	}

	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", secret, errMalformed
	}
	if len(raw) != secretSize {
		return "", secret, errMalformed
	}

	copy(secret[:], raw)
	return id, secret, nil
}
