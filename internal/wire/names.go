package wire

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the canonical form of a channel name: NFC with
// surrounding whitespace removed. Two names that render identically
// address the same channel.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// ValidateName normalizes name and rejects names that cannot be used as a
// destination.
func ValidateName(name string) (string, error) {
	n := NormalizeName(name)
	switch {
	case n == "":
		return "", fmt.Errorf("channel name is empty")
	case n == Broadcast:
		return "", fmt.Errorf("channel name %q is reserved for broadcast", n)
	case strings.ContainsRune(n, 0):
		return "", fmt.Errorf("channel name %q contains NUL", n)
	}
	return n, nil
}
