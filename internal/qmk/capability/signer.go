// Package capability implements the unforgeable capability token machinery
// of spec.md §4.A: signing, verification, delegation, and revocation.
package capability

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer is the single, explicit holder of the kernel's signing key
// (spec.md §9: "the key lives in a single, explicit holder passed to
// verifier and executor"). It derives domain-separated HMAC subkeys from one
// master secret via HKDF-SHA256 so the capability MAC and the verifier's
// certification MAC (§4.C) never share raw key material.
type Signer struct {
	masterKey []byte
}

// NewSigner derives a Signer from an operator-supplied master secret
// (SPEC_FULL.md §4.A). The secret should be at least 32 bytes of entropy;
// shorter secrets are accepted (HKDF tolerates weak input keying material)
// but are not recommended outside of tests.
func NewSigner(masterSecret []byte) *Signer {
	key := make([]byte, len(masterSecret))
	copy(key, masterSecret)
	return &Signer{masterKey: key}
}

// NewEphemeralSigner generates a random master secret, for local development
// and tests where no operator secret has been configured.
func NewEphemeralSigner() (*Signer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate ephemeral master secret: %w", err)
	}
	return NewSigner(secret), nil
}

func (s *Signer) subkey(domain string) []byte {
	reader := hkdf.New(sha256.New, s.masterKey, nil, []byte("qmk-capability-v1|"+domain))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		// HKDF-SHA256 only fails to expand past 255*32 bytes; 32 bytes
		// never triggers that, so this path is unreachable in practice.
		panic(fmt.Sprintf("capability: derive subkey: %v", err))
	}
	return key
}

// Sign computes an HMAC-SHA256 MAC over data using a subkey derived for the
// given domain (e.g. "cap-token", "certification", "audit-chain"). Domain
// separation means a signature minted for one purpose can never be replayed
// as valid for another.
func (s *Signer) Sign(domain string, data []byte) []byte {
	mac := hmac.New(sha256.New, s.subkey(domain))
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify checks sig against the expected MAC for data under domain, in
// constant time (spec.md §4.A: "verification is constant-time").
func (s *Signer) Verify(domain string, data, sig []byte) bool {
	expected := s.Sign(domain, data)
	return subtle.ConstantTimeCompare(expected, sig) == 1
}
