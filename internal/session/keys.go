// ABOUTME: Pairing key alphabet and random key generation
// ABOUTME: Keys avoid characters that are easy to confuse on e-ink screens

package session

import (
	"math/rand/v2"
	"strings"
)

// Alphabet holds the characters a key is drawn from. 0, O, Q, 1, I, L and B
// are left out.
const Alphabet = "23456789ACDEFGHJKMNPRSTUVWXYZ"

// KeyLength is the number of characters in a key.
const KeyLength = 4

// randomKey draws KeyLength characters using intn.
func randomKey(intn func(int) int) string {
	var b strings.Builder
	b.Grow(KeyLength)
	for range KeyLength {
		b.WriteByte(Alphabet[intn(len(Alphabet))])
	}
	return b.String()
}

// NormalizeKey upper-cases user input so keys typed on a phone keyboard match.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidKey reports whether key has the right length and alphabet.
func ValidKey(key string) bool {
	if len(key) != KeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(Alphabet, key[i]) < 0 {
			return false
		}
	}
	return true
}

func defaultIntN(n int) int { return rand.IntN(n) }
