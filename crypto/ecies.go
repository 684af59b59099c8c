package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
)

// ECIES implements the variant of the Elliptic Curve Integrated Encryption
// Scheme used by RLPx's legacy and EIP-8 auth/ack messages: an ephemeral
// secp256k1 key agreement, a NIST SP 800-56 Concatenation KDF, AES-128-CTR
// for confidentiality and HMAC-SHA256 for integrity. This is distinct from
// (and does not touch) the RLPx session's own Keccak-based frame MAC in
// package p2p -- ECIES only wraps the handshake messages themselves.
//
// Ciphertext layout: ephemeralPubKey(65, SEC1 uncompressed) || iv(16) ||
// aesCiphertext(len(plaintext)) || hmacTag(32).

var (
	ErrECIESInvalidMessage = errors.New("crypto: ecies message too short")
	ErrECIESInvalidMAC     = errors.New("crypto: ecies MAC mismatch")
)

// ECIESEncrypt encrypts plaintext to recipient's public key. sharedMacData,
// when non-nil, is additional authenticated data folded into the MAC but
// not encrypted -- the EIP-8 handshake uses this to bind the 2-byte
// size-prefix into the tag; legacy messages pass nil.
func ECIESEncrypt(recipient *PublicKey, plaintext, sharedMacData []byte) ([]byte, error) {
	ephPriv, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	shared := ECDHSharedX(recipient, ephPriv)
	encKey, macKey := eciesKDF(shared)

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	tag := eciesTag(macKey, iv, ciphertext, sharedMacData)

	ephPub := ephPriv.PublicKey()
	out := make([]byte, 0, 65+len(iv)+len(ciphertext)+len(tag))
	out = append(out, ephPubUncompressed(ephPub)...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

// ECIESDecrypt reverses ECIESEncrypt using the recipient's static private key.
func ECIESDecrypt(priv *PrivateKey, msg, sharedMacData []byte) ([]byte, error) {
	if len(msg) < 65+aes.BlockSize+32 {
		return nil, ErrECIESInvalidMessage
	}
	ephPubBytes := msg[:65]
	iv := msg[65 : 65+aes.BlockSize]
	ciphertext := msg[65+aes.BlockSize : len(msg)-32]
	tag := msg[len(msg)-32:]

	ephPub, err := parseUncompressedPubKey(ephPubBytes)
	if err != nil {
		return nil, err
	}
	shared := ECDHSharedX(ephPub, priv)
	encKey, macKey := eciesKDF(shared)

	want := eciesTag(macKey, iv, ciphertext, sharedMacData)
	if !hmac.Equal(tag, want) {
		return nil, ErrECIESInvalidMAC
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// eciesKDF is the NIST SP 800-56 Concatenation KDF (single-round, SHA-256)
// over the ECDH shared x-coordinate, producing a 16-byte AES key and a
// 32-byte MAC key.
func eciesKDF(shared []byte) (encKey, macKey []byte) {
	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], 1)
	h := sha256.New()
	h.Write(counter[:])
	h.Write(shared)
	derived := h.Sum(nil)
	// Need 16+32=48 bytes; SHA-256 gives 32, so derive a second block.
	full := make([]byte, 0, 64)
	full = append(full, derived...)
	binary.BigEndian.PutUint32(counter[:], 2)
	h2 := sha256.New()
	h2.Write(counter[:])
	h2.Write(shared)
	full = append(full, h2.Sum(nil)...)
	return full[:16], full[16:48]
}

// eciesTag computes HMAC-SHA256 over iv||ciphertext||sharedMacData, keyed
// by a SHA-256-hashed mac key (matching geth's ecies.go: the raw KDF output
// is re-hashed before use as the HMAC key).
func eciesTag(macKey, iv, ciphertext, sharedMacData []byte) []byte {
	keyHash := sha256.Sum256(macKey)
	mac := hmac.New(sha256.New, keyHash[:])
	mac.Write(iv)
	mac.Write(ciphertext)
	if len(sharedMacData) > 0 {
		mac.Write(sharedMacData)
	}
	return mac.Sum(nil)
}

func ephPubUncompressed(pub *PublicKey) []byte {
	raw := pub.Bytes() // 64 bytes, no prefix
	out := make([]byte, 65)
	out[0] = 0x04
	copy(out[1:], raw)
	return out
}

func parseUncompressedPubKey(b []byte) (*PublicKey, error) {
	if len(b) != 65 || b[0] != 0x04 {
		return nil, ErrInvalidPublicKey
	}
	return PublicKeyFromBytes(b[1:])
}
