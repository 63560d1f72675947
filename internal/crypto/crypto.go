// Package crypto provides the narrow cryptographic collaborator the
// consensus kernel depends on: content hashing and signature
// verification. Concrete key management and signing algorithms are kept
// out of the kernel's reach behind the Provider interface, per spec.md §1
// ("a pluggable crypto provider").
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Digest is a hex-encoded content hash.
type Digest string

// Provider is the interface the kernel depends on for integrity and
// authenticity checks. It never sees private key material beyond what it
// is handed for Sign.
type Provider interface {
	Hash(data []byte) Digest
	Sign(privateKey []byte, data []byte) ([]byte, error)
	Verify(publicKey []byte, data []byte, signature []byte) bool
}

// Ed25519Provider is the default Provider, built on the standard library's
// crypto/ed25519 primitives and crypto/sha256 for content hashing.
type Ed25519Provider struct{}

// NewEd25519Provider returns the default crypto provider.
func NewEd25519Provider() *Ed25519Provider { return &Ed25519Provider{} }

// Hash returns the SHA-256 digest of data, hex-encoded.
func (Ed25519Provider) Hash(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(hex.EncodeToString(sum[:]))
}

// Sign signs data with an ed25519 private key.
func (Ed25519Provider) Sign(privateKey []byte, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: invalid ed25519 private key size %d", len(privateKey))
	}
	return ed25519.Sign(ed25519.PrivateKey(privateKey), data), nil
}

// Verify checks an ed25519 signature against a public key.
func (Ed25519Provider) Verify(publicKey []byte, data []byte, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

// GenerateKeyPair creates a fresh ed25519 keypair for test harnesses and
// node bootstrap.
func GenerateKeyPair() (pub []byte, priv []byte, err error) {
	p, s, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return p, s, nil
}
