// Package crypto provides the primitive hash, encoding and signature
// operations used throughout the protocol. Every other package builds
// its domain hashes on top of these functions rather than calling
// crypto/sha256, crypto/ed25519 or encoding/hex directly, so that a
// change of primitive (e.g. a hash upgrade) has one place to land.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// HashSize is the digest size, in bytes, of every hash used by the protocol.
const HashSize = 32

// SHA3256 returns the SHA3-256 digest of data. Used for manifest, IR and
// audit preimages, where a NIST-standard hash is expected by downstream
// verifiers.
func SHA3256(data []byte) [HashSize]byte {
	return sha3.Sum256(data)
}

// SHA3256Concat hashes the concatenation of parts without allocating an
// intermediate combined slice for the common case of two or three parts.
func SHA3256Concat(parts ...[]byte) [HashSize]byte {
	h := sha3.New256()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out [HashSize]byte
	h.Sum(out[:0])
	return out
}

// BLAKE3 returns the 32-byte BLAKE3 digest of data. Used for Merkle leaves,
// node hashes, and blob content addressing, where hashing throughput
// matters more than FIPS lineage.
func BLAKE3(data []byte) [HashSize]byte {
	return blake3.Sum256(data)
}

// BLAKE3Concat hashes the concatenation of parts under a single BLAKE3
// instance.
func BLAKE3Concat(parts ...[]byte) [HashSize]byte {
	h := blake3.New(HashSize, nil)
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out [HashSize]byte
	h.Sum(out[:0])
	return out
}

// HexLower returns the lowercase hex encoding of data.
func HexLower(data []byte) string {
	return hex.EncodeToString(data)
}

// HexDecode decodes a lowercase hex string.
func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// B64Std base64-encodes data using the standard alphabet, with padding.
func B64Std(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// B64StdDecode decodes standard, padded base64.
func B64StdDecode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// GenerateEd25519Keypair generates a fresh Ed25519 signing keypair.
func GenerateEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

// Ed25519Sign signs data with priv, returning the raw 64-byte signature.
func Ed25519Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Ed25519Verify reports whether sig is a valid signature of data under pub.
func Ed25519Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
