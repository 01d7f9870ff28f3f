package apikey

import "strings"

// External key format: scheme tag, hex prefix, delimiter, hex secret.
// The delimiter cannot appear inside either part because both parts
// are lowercase hex.
const (
	// Scheme is the fixed tag identifying accessgate keys.
	Scheme = "ag_"

	// Delimiter separates the prefix from the secret.
	Delimiter = "."

	// PrefixLen is the length of the hex-encoded prefix.
	PrefixLen = 12

	// SecretLen is the length of the hex-encoded secret (256 bits).
	SecretLen = 64
)

// Encode builds the external key string from a prefix and secret.
func Encode(prefix, secret string) string {
	var b strings.Builder
	b.Grow(len(Scheme) + len(prefix) + len(Delimiter) + len(secret))
	b.WriteString(Scheme)
	b.WriteString(prefix)
	b.WriteString(Delimiter)
	b.WriteString(secret)
	return b.String()
}

// Decode parses an external key into its prefix and secret halves.
// It is pure parsing with no store access; malformed input is
// rejected before any I/O happens.
func Decode(external string) (prefix, secret string, err error) {
	rest, ok := strings.CutPrefix(external, Scheme)
	if !ok {
		return "", "", ErrKeyMalformed
	}

	prefix, secret, ok = strings.Cut(rest, Delimiter)
	if !ok || strings.Contains(secret, Delimiter) {
		return "", "", ErrKeyMalformed
	}

	if len(prefix) != PrefixLen || len(secret) != SecretLen {
		return "", "", ErrKeyMalformed
	}

	if !isLowerHex(prefix) || !isLowerHex(secret) {
		return "", "", ErrKeyMalformed
	}

	return prefix, secret, nil
}

// isLowerHex reports whether s consists only of [0-9a-f].
func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
