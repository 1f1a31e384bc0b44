package mfa

import (
	"crypto/rand"
	"fmt"

	"github.com/ehr/ehr-auth/internal/platform/auth"
)

// GenerateCode returns length random decimal digits. Bytes of 250 and above
// are discarded so every digit is equally likely.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", length)
	}
	out := make([]byte, 0, length)
	buf := make([]byte, length+4)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			out = append(out, '0'+b%10)
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

func hashCode(code string) string { return auth.HashToken(code) }

func validCodeFormat(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
