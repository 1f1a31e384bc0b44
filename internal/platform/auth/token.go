package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// AccessTokenBytes is 256 bits of entropy.
	AccessTokenBytes = 32
	// RefreshTokenBytes is 384 bits of entropy.
	RefreshTokenBytes = 48
	// MinTokenLength is the shortest bearer string worth looking up.
	MinTokenLength = 32

	hashPrefixLen = 12
)

// GenerateToken returns byteLength random bytes from crypto/rand encoded as
// unpadded base64url.
func GenerateToken(byteLength int) (string, error) {
	if byteLength < AccessTokenBytes {
		return "", fmt.Errorf("token length %d below minimum %d bytes", byteLength, AccessTokenBytes)
	}
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 digest used as the storage key for token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashPrefix shortens a token hash for log lines.
func HashPrefix(hash string) string {
	if len(hash) <= hashPrefixLen {
		return hash
	}
	return hash[:hashPrefixLen]
}

// EqualHash compares two hex digests in constant time.
func EqualHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
