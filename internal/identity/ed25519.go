package identity

import (
	"crypto/ed25519"
)

// Ed25519Key signs with the node's ed25519 key directly.
type Ed25519Key struct {
	priv ed25519.PrivateKey // priv is the node key
}

// NewEd25519Key wraps an ed25519 private key.
func NewEd25519Key(priv ed25519.PrivateKey) *Ed25519Key {
	return &Ed25519Key{priv: priv}
}

// PublicKey returns the 32-byte public key.
func (k *Ed25519Key) PublicKey() []byte {
	return k.priv.Public().(ed25519.PublicKey)
}

// Sign signs the message.
func (k *Ed25519Key) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, message), nil
}

// Ed25519Verifier verifies ed25519 signatures.
type Ed25519Verifier struct{}

// Verify checks a signature, rejecting wrong-sized keys instead of panicking.
func (Ed25519Verifier) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, message, signature)
}
