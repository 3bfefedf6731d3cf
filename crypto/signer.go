package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer signs message digests with an ed25519 private key.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner wraps an existing ed25519 private key.
func NewSigner(key ed25519.PrivateKey) *Signer {
	return &Signer{key: key}
}

func (s *Signer) Sign(digest [32]byte) ([]byte, error) {
	return ed25519.Sign(s.key, digest[:]), nil
}

// GenerateValidatorSet creates n fresh ed25519 keypairs and returns one
// Signer per participant plus the shared public-key list from which each
// participant's ValidatorSet is built via NewValidatorSet (with self
// varying per participant).
// It exists for tests and examples that need a quick, self-consistent
// network of participants without standing up real key management.
func GenerateValidatorSet(n int) ([]*Signer, []ed25519.PublicKey, error) {
	if n <= 0 {
		return nil, nil, fmt.Errorf("crypto: n must be positive, got %d", n)
	}

	signers := make([]*Signer, n)
	pubKeys := make([]ed25519.PublicKey, n)

	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("crypto: generating key %d: %w", i, err)
		}

		signers[i] = NewSigner(priv)
		pubKeys[i] = pub
	}

	return signers, pubKeys, nil
}
