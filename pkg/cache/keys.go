package cache

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxKeyLength bounds keys so they stay usable as Redis keys and log fields.
const MaxKeyLength = 250

// ValidateKey rejects empty keys, keys longer than MaxKeyLength, keys with
// control characters and keys with surrounding whitespace.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control character", ErrInvalidKey)
		}
	}
	if strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidKey)
	}
	return nil
}

// Keyspace builds namespaced keys such as "content:ng:latest:10".
type Keyspace struct {
	prefix    string
	separator string
}

// NewKeyspace returns a keyspace. An empty separator means ":".
func NewKeyspace(prefix, separator string) Keyspace {
	if separator == "" {
		separator = ":"
	}
	return Keyspace{prefix: prefix, separator: separator}
}

// Build joins the prefix and parts. Empty parts are kept so positional keys
// stay distinct.
func (k Keyspace) Build(parts ...string) string {
	if len(parts) == 0 {
		return k.prefix
	}
	if k.prefix == "" {
		return strings.Join(parts, k.separator)
	}
	return k.prefix + k.separator + strings.Join(parts, k.separator)
}

// Key is Build followed by ValidateKey.
func (k Keyspace) Key(parts ...string) (string, error) {
	key := k.Build(parts...)
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// Prefix returns the namespace prefix.
func (k Keyspace) Prefix() string { return k.prefix }
