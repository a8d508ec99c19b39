// Package crypto provides the deterministic cryptographic primitives shared
// by every layer of the channel network core: SHA-256 and Keccak-256
// digests, secp256k1 keypair generation/sign/verify over 32-byte digests,
// and Ethereum-style address derivation. No randomness leaks into any
// digest or verification path; only key generation draws from crypto/rand.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"latticenet/internal/xerrors"
)

// Digest is a 32-byte SHA-256 or Keccak-256 output.
type Digest [32]byte

// Address is the last 20 bytes of the Keccak-256 hash of an uncompressed
// public key's coordinates.
type Address [20]byte

// Bytes returns a copy of the address as a byte slice.
func (a Address) Bytes() []byte { b := make([]byte, 20); copy(b, a[:]); return b }

func (a Address) String() string { return fmt.Sprintf("%x", a[:]) }

// SHA256 hashes data with SHA-256.
func SHA256(data []byte) Digest { return Digest(sha256.Sum256(data)) }

// Keccak256 hashes data with Keccak-256 (not SHA3-256 — NIST padding differs).
func Keccak256(data ...[]byte) Digest {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey is a secp256k1 verification key.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// GenerateKey creates a new random keypair.
func GenerateKey() (*PrivateKey, error) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// PrivateKeyFromBytes decodes a 32-byte scalar into a private key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	k := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: k}, nil
}

// Public returns the corresponding public key.
func (p *PrivateKey) Public() *PublicKey { return &PublicKey{key: p.key.PubKey()} }

// Bytes returns the raw 32-byte scalar.
func (p *PrivateKey) Bytes() []byte { return p.key.Serialize() }

// uncompressedCoords returns the 64-byte X||Y coordinate pair used for
// address derivation (the uncompressed public key minus its 0x04 prefix).
func (pub *PublicKey) uncompressedCoords() []byte {
	full := pub.key.SerializeUncompressed() // 0x04 || X(32) || Y(32)
	return full[1:]
}

// Address derives the Ethereum-style address for this public key: the last
// 20 bytes of Keccak-256(X||Y).
func (pub *PublicKey) Address() Address {
	h := Keccak256(pub.uncompressedCoords())
	var a Address
	copy(a[:], h[12:])
	return a
}

// Bytes returns the compressed SEC1 encoding of the public key.
func (pub *PublicKey) Bytes() []byte { return pub.key.SerializeCompressed() }

// PublicKeyFromBytes decodes a compressed or uncompressed SEC1 public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	k, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &PublicKey{key: k}, nil
}

// Sign produces a deterministic (RFC6979) ECDSA signature over a 32-byte
// digest, returned as a DER-encoded byte string.
func (p *PrivateKey) Sign(digest Digest) []byte {
	sig := ecdsa.Sign(p.key, digest[:])
	return sig.Serialize()
}

// Verify checks a DER-encoded signature over a 32-byte digest.
func Verify(pub *PublicKey, digest Digest, sig []byte) error {
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrCryptoFailure, err)
	}
	if !s.Verify(digest[:], pub.key) {
		return fmt.Errorf("%w: signature mismatch", xerrors.ErrCryptoFailure)
	}
	return nil
}
