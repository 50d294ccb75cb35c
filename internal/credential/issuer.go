// Package credential issues broker credentials for skill containers.
package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SecretBytes is the amount of randomness in a generated secret.
// Secrets are hex encoded, so they are twice as long in characters.
const SecretBytes = 32

// Issuer generates a secret and its hash for a new skill identity.
type Issuer struct {
	hasher Hasher
}

// NewIssuer creates an issuer that hashes with h.
func NewIssuer(h Hasher) *Issuer {
	return &Issuer{hasher: h}
}

// Issue returns a fresh plaintext secret and its hash.
// The plaintext must be handed to the skill and then dropped.
func (i *Issuer) Issue() (secret string, hash string, err error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret = hex.EncodeToString(buf)

	hash, err = i.hasher.Hash(secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return secret, hash, nil
}

// Verify checks secret against hash using the issuer's hasher.
func (i *Issuer) Verify(hash, secret string) (bool, error) {
	return i.hasher.Verify(hash, secret)
}
