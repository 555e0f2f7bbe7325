package keys

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	// codeAlphabet omits characters that are easy to misread (0/O, 1/I/L).
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeGroups   = 4
	codeGroupLen = 5
)

var customKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{5,63}$`)

// newCode returns a random key code such as "7KQ2M-XH9PA-RT3WD-NB8CE".
func newCode(prefix string) (string, error) {
	buf := make([]byte, codeGroups*codeGroupLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	var b strings.Builder

	b.Grow(len(prefix) + len(buf) + codeGroups)
	b.WriteString(prefix)

	for i, v := range buf {
		if i > 0 && i%codeGroupLen == 0 {
			b.WriteByte('-')
		}

		// 256 is not a multiple of the alphabet size; the bias is
		// negligible for codes of this length.
		b.WriteByte(codeAlphabet[int(v)%len(codeAlphabet)])
	}

	return b.String(), nil
}

// validCustomKey reports whether key may be used as a caller-chosen key id.
func validCustomKey(key string) bool {
	return customKeyPattern.MatchString(key)
}
