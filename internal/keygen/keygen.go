// Package keygen produces the opaque bearer tokens handed out by keysmith.
package keygen

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// Prefix is prepended to every generated key.
	Prefix = "sk-"

	// DefaultLength is the number of random characters after the prefix.
	DefaultLength = 40

	// Alphabet is the 62-symbol set each random byte is mapped onto.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Reader is the entropy source. Tests may swap it for a deterministic or
// failing reader.
var Reader io.Reader = rand.Reader

// New returns a key with the default length ("sk-" + 40 characters).
func New() (string, error) {
	return Generate(DefaultLength)
}

// Generate returns Prefix followed by length characters from Alphabet.
//
// Each character is alphabet[b % 62] for one random byte b. Bytes 248-255
// wrap onto indices 0-7, so 'A'..'H' are slightly more likely than the rest.
// The mapping is kept as-is so key statistics stay compatible with keys
// already in circulation.
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("key length must be positive, got %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(Reader, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	out := make([]byte, len(Prefix)+length)
	copy(out, Prefix)
	for i, b := range buf {
		out[len(Prefix)+i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(out), nil
}
