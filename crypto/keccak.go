// Package crypto implements the cryptographic primitives the transport core
// depends on: Keccak256 hashing, secp256k1 signing/recovery and ECDH, and
// the ECIES-flavored secret derivation used by the RLPx handshake.
package crypto

import (
	"hash"

	"golang.org/x/crypto/sha3"
)

// Hash is a 32-byte Keccak256 digest.
type Hash [32]byte

// Keccak256 calculates the Keccak-256 hash of the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates Keccak-256 and returns it as a Hash.
func Keccak256Hash(data ...[]byte) Hash {
	var h Hash
	copy(h[:], Keccak256(data...))
	return h
}

// NewKeccakState returns a fresh, unreset Keccak256 hash.Hash. The RLPx
// frame codec feeds bytes into one of these for the lifetime of a
// connection and never calls Reset — the MAC is a cumulative digest, not an
// HMAC over each frame independently.
func NewKeccakState() hash.Hash {
	return sha3.NewLegacyKeccak256()
}
