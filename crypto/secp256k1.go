package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// PubKeyLen is the length of a NodeIdentity: a 64-byte uncompressed
// secp256k1 public key with the leading 0x04 format byte stripped, as
// specified for wire identities (auth/ack payloads, enode URIs, discv4
// packets).
const PubKeyLen = 64

// SigLen is the length of a recoverable ECDSA signature: r(32) || s(32) || v(1).
const SigLen = 65

var (
	ErrInvalidPrivateKey = errors.New("crypto: invalid private key")
	ErrInvalidPublicKey  = errors.New("crypto: invalid public key")
	ErrInvalidSignature  = errors.New("crypto: invalid signature")
)

// PrivateKey wraps a secp256k1 scalar.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey wraps a secp256k1 curve point.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// GeneratePrivateKey draws a fresh random private key. Used on first node
// startup when no key file exists yet.
func GeneratePrivateKey() (*PrivateKey, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		k := new(secp256k1.ModNScalar)
		overflow := k.SetBytes(&buf)
		if overflow == 0 && !k.IsZero() {
			return &PrivateKey{key: secp256k1.NewPrivateKey(k)}, nil
		}
	}
}

// PrivateKeyFromBytes parses a 32-byte big-endian scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	k := new(secp256k1.ModNScalar)
	if overflow := k.SetByteSlice(b); overflow || k.IsZero() {
		return nil, ErrInvalidPrivateKey
	}
	return &PrivateKey{key: secp256k1.NewPrivateKey(k)}, nil
}

// Bytes returns the 32-byte big-endian scalar.
func (p *PrivateKey) Bytes() []byte {
	b := p.key.Serialize()
	out := make([]byte, 32)
	copy(out, b[:])
	return out
}

// PublicKey derives the corresponding public key.
func (p *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: p.key.PubKey()}
}

// PublicKeyFromBytes parses a 64-byte raw (no 0x04 prefix) uncompressed
// public key, as used for NodeIdentity throughout the wire protocol.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != PubKeyLen {
		return nil, ErrInvalidPublicKey
	}
	full := make([]byte, 65)
	full[0] = 0x04
	copy(full[1:], b)
	pub, err := secp256k1.ParsePubKey(full)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return &PublicKey{key: pub}, nil
}

// Bytes returns the 64-byte raw uncompressed public key (no 0x04 prefix) --
// the NodeIdentity wire form.
func (p *PublicKey) Bytes() []byte {
	full := p.key.SerializeUncompressed()
	out := make([]byte, PubKeyLen)
	copy(out, full[1:])
	return out
}

// Sign produces a 65-byte recoverable ECDSA signature over a 32-byte
// digest: r(32) || s(32) || v(1), with v in {0, 1}. This is the signature
// format used both by discv4 packets and the legacy/EIP-8 ECIES auth
// payload's `sig` field.
func Sign(priv *PrivateKey, digest []byte) ([SigLen]byte, error) {
	var out [SigLen]byte
	if len(digest) != 32 {
		return out, errors.New("crypto: digest must be 32 bytes")
	}
	// SignCompact returns [recoveryCode(1) || r(32) || s(32)] where
	// recoveryCode = 27 + recID (+4 if compressed, which we don't use).
	compact := ecdsa.SignCompact(priv.key, digest, false)
	recID := compact[0] - 27
	copy(out[0:32], compact[1:33])
	copy(out[32:64], compact[33:65])
	out[64] = recID
	return out, nil
}

// Ecrecover recovers the public key that produced sig over digest.
func Ecrecover(digest []byte, sig [SigLen]byte) (*PublicKey, error) {
	if len(digest) != 32 {
		return nil, errors.New("crypto: digest must be 32 bytes")
	}
	if sig[64] > 3 {
		return nil, ErrInvalidSignature
	}
	var compact [65]byte
	compact[0] = 27 + sig[64]
	copy(compact[1:33], sig[0:32])
	copy(compact[33:65], sig[32:64])
	pub, _, err := ecdsa.RecoverCompact(compact[:], digest)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return &PublicKey{key: pub}, nil
}

// ECDHSharedX computes the x-coordinate of priv*pub on the curve -- the
// `ecdhX(pub, priv)` primitive referenced throughout §4.2's secret
// derivation formulas. Returns a 32-byte big-endian value.
func ECDHSharedX(pub *PublicKey, priv *PrivateKey) []byte {
	var point, result secp256k1.JacobianPoint
	pub.key.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&priv.key.Key, &point, &result)
	result.ToAffine()
	x := result.X.Bytes()
	out := make([]byte, 32)
	copy(out, x[:])
	return out
}
