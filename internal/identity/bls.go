package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature in bytes.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for witness signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// blsKeygenDomain binds derived BLS keys to the node's ed25519 identity.
const blsKeygenDomain = "witnet-bls-keygen"

// BLSKey is a BLS12-381 signing key with public keys in G1 and signatures in G2.
type BLSKey struct {
	secret *blst.SecretKey // secret is the private scalar
	public []byte          // public is the compressed public key
}

// DeriveBLSKey derives a deterministic BLS key from an ed25519 private key,
// as BLAKE3(domain || seed).
func DeriveBLSKey(priv ed25519.PrivateKey) (*BLSKey, error) {
	h := blake3.New()
	h.Write([]byte(blsKeygenDomain))
	h.Write(priv.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return BLSKeyFromSeed(derived[:])
}

// GenerateBLSKey creates a BLS key from a random seed.
func GenerateBLSKey() (*BLSKey, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return BLSKeyFromSeed(ikm[:])
}

// BLSKeyFromSeed creates a BLS key from a seed of at least 32 bytes.
func BLSKeyFromSeed(seed []byte) (*BLSKey, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes, got %d", len(seed))
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("bls key generation failed")
	}

	return &BLSKey{
		secret: secret,
		public: new(blst.P1Affine).From(secret).Compress(),
	}, nil
}

// PublicKey returns the compressed public key.
func (k *BLSKey) PublicKey() []byte {
	return k.public
}

// Sign signs the message. BLS signatures are deterministic.
func (k *BLSKey) Sign(message []byte) ([]byte, error) {
	sig := new(blst.P2Affine).Sign(k.secret, message, blsDST)
	if sig == nil {
		return nil, fmt.Errorf("bls sign failed")
	}

	return sig.Compress(), nil
}

// BLSVerifier verifies compressed min-pk BLS signatures.
type BLSVerifier struct{}

// Verify checks a signature against a message and public key.
// Malformed points and wrong sizes verify as false.
func (BLSVerifier) Verify(publicKey, message, signature []byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}
