// Package credential hashes account credentials and generates the random
// ones handed to newly created end users.
package credential

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// alphabet has 32 symbols so a random byte masked to five bits is uniform.
// l and o are left out as too easily confused with 1 and 0.
const alphabet = "abcdefghijkmnpqrstuvwxyz23456789"

// GeneratedLength is the length of credentials produced by Generate.
const GeneratedLength = 12

// Hasher hashes and verifies credentials with bcrypt.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher with the given bcrypt cost, falling back to
// bcrypt.DefaultCost when cost is out of range.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(credential string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(credential), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether credential matches hash.
func (h *Hasher) Verify(hash, credential string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)) == nil
}

// Generate returns a random human-readable credential.
func Generate() (string, error) {
	b := make([]byte, GeneratedLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	for i := range b {
		b[i] = alphabet[b[i]&31]
	}
	return string(b), nil
}
