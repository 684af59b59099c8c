package p2p

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/rlp"
)

// handshakeTimeout bounds every Wait* state of the handshake state machine
// (§4.2): expiry destroys the socket and reports a handshake error.
const handshakeTimeout = 10 * time.Second

// Legacy wire sizes: plaintext(sig 65 + pubkey 64 + nonce 32 + version 1 = 162,
// or pubkey 64 + nonce 32 + version 1 = 97 for ack) plus the 113-byte ECIES
// envelope (ephemeral pubkey 65 + iv 16 + mac 32).
const (
	legacyAuthSize = 162 + 113
	legacyAckSize  = 97 + 113
	eciesVersion   = 4
)

var (
	ErrEciesAuthDecryptFailed = errors.New("p2p: EciesAuthDecryptFailed")
	ErrEciesBadTag            = errors.New("p2p: EciesBadTag")
	ErrEciesBadVersion        = errors.New("p2p: EciesBadVersion")
	ErrEciesTimeout           = errors.New("p2p: EciesTimeout")
)

// authMsg is the EIP-8 auth payload: rlp([sig, initiatorPubkey, nonce, version]).
type authMsg struct {
	Sig             [65]byte
	InitiatorPubkey [crypto.PubKeyLen]byte
	Nonce           [32]byte
	Version         uint
}

// ackMsg is the EIP-8 ack payload: rlp([ephemeralPubkey, nonce, version]).
type ackMsg struct {
	EphemeralPubkey [crypto.PubKeyLen]byte
	Nonce           [32]byte
	Version         uint
}

// secrets holds the symmetric material derived at the end of the ECIES
// handshake (§4.2), ready to seed a FrameCodec.
type secrets struct {
	aesSecret  []byte // 32 bytes, AES-256-CTR key for both directions
	egressMAC  *frameMAC
	ingressMAC *frameMAC
	remotePub  *crypto.PublicKey
}

// Handshake drives the Idle -> {SendAuth,WaitAuth} -> {WaitAck,SendAck} ->
// SetupFrame -> Ready state machine described in §4.2.
type Handshake struct {
	priv            *crypto.PrivateKey
	remoteStaticPub *crypto.PublicKey // known for the initiator, learned for the responder
	ephemeral       *crypto.PrivateKey
	initiator       bool

	localNonce  [32]byte
	remoteNonce [32]byte
	remoteEph   *crypto.PublicKey

	initiatorMsg []byte // the raw bytes that were MAC'd/sent, needed for secret derivation
	responderMsg []byte
}

// NewHandshake creates handshake state. remoteStaticPub is required for the
// initiator and nil for the responder (it is recovered from the auth message).
func NewHandshake(priv *crypto.PrivateKey, remoteStaticPub *crypto.PublicKey, initiator bool) (*Handshake, error) {
	eph, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	h := &Handshake{priv: priv, remoteStaticPub: remoteStaticPub, ephemeral: eph, initiator: initiator}
	if _, err := rand.Read(h.localNonce[:]); err != nil {
		return nil, err
	}
	return h, nil
}

// sign produces the auth signature: sig over ecdhX(remotePub, priv) XOR nonce,
// using the ephemeral key, per §4.2.
func (h *Handshake) sign() ([65]byte, error) {
	var out [65]byte
	shared := crypto.ECDHSharedX(h.remoteStaticPub, h.priv)
	token := xorBytes(shared, h.localNonce[:])
	sig, err := crypto.Sign(h.ephemeral, token)
	if err != nil {
		return out, err
	}
	out = sig
	return out, nil
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// MakeAuthEIP8 builds and ECIES-encrypts the EIP-8 auth message sent by the
// initiator: size-prefix(2B) ∥ rlp([sig,pk,nonce,version], padded 100..250B).
func (h *Handshake) MakeAuthEIP8() ([]byte, error) {
	sig, err := h.sign()
	if err != nil {
		return nil, err
	}
	msg := authMsg{Sig: sig, Nonce: h.localNonce, Version: eciesVersion}
	copy(msg.InitiatorPubkey[:], h.priv.PublicKey().Bytes())

	body, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, err
	}
	body = appendRandomPad(body)
	return h.sealEIP8(body)
}

// sealEIP8 ECIES-encrypts body, using the 2-byte big-endian ciphertext
// length as additional authenticated data (the EIP-8 "shared-mac-data"),
// and prepends that length prefix in cleartext.
func (h *Handshake) sealEIP8(body []byte) ([]byte, error) {
	overhead := 65 + 16 + 32 // ephemeral pubkey + iv + mac, matching crypto.ECIESEncrypt's envelope
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, uint16(len(body)+overhead))

	enc, err := crypto.ECIESEncrypt(h.remoteStaticPub, body, prefix)
	if err != nil {
		return nil, err
	}
	return append(prefix, enc...), nil
}

func appendRandomPad(body []byte) []byte {
	padLen := 100 + int(randByte())%151 // 100..250
	pad := make([]byte, padLen)
	rand.Read(pad)
	return append(body, pad...)
}

func randByte() byte {
	var b [1]byte
	rand.Read(b[:])
	return b[0]
}

// MakeAckEIP8 builds and ECIES-encrypts the EIP-8 ack sent by the responder.
func (h *Handshake) MakeAckEIP8() ([]byte, error) {
	msg := ackMsg{Nonce: h.localNonce, Version: eciesVersion}
	copy(msg.EphemeralPubkey[:], h.ephemeral.PublicKey().Bytes())
	body, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, err
	}
	body = appendRandomPad(body)
	return h.sealEIP8(body)
}

// ReadAuth reads and decrypts an incoming auth message from r. The legacy
// format has no size prefix -- it starts directly with the ECIES ephemeral
// pubkey, whose first byte is always 0x04 (uncompressed point marker). An
// EIP-8 size prefix would need a length of at least 1024 bytes to start with
// 0x04, so a leading 0x04 selects the fixed legacyAuthSize-byte legacy
// parser and anything else is read as EIP-8.
func (h *Handshake) ReadAuth(r *bufio.Reader) error {
	first, err := r.Peek(1)
	if err != nil {
		return err
	}
	if first[0] == 0x04 {
		raw, err := readExact(r, legacyAuthSize)
		if err != nil {
			return err
		}
		h.initiatorMsg = raw
		return h.handleLegacyAuth(raw)
	}
	prefix, err := readExact(r, 2)
	if err != nil {
		return err
	}
	size := binary.BigEndian.Uint16(prefix)
	rest, err := readExact(r, int(size))
	if err != nil {
		return err
	}
	h.initiatorMsg = append(prefix, rest...)
	return h.handleEIP8Auth(prefix, rest)
}

func (h *Handshake) handleEIP8Auth(prefix, ciphertext []byte) error {
	plain, err := crypto.ECIESDecrypt(h.priv, ciphertext, prefix)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEciesAuthDecryptFailed, err)
	}
	var msg authMsg
	if err := rlp.DecodeBytes(plain, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrEciesAuthDecryptFailed, err)
	}
	return h.acceptAuth(msg)
}

// handleLegacyAuth parses the fixed legacyAuthSize-byte legacy auth format:
// the whole blob (no separate size prefix) is the ECIES ciphertext of
// sig(65) ∥ pk(64) ∥ nonce(32) ∥ version(1), with no padding and no
// shared-mac-data. EIP-8 is the canonical path for initiating a connection;
// this path exists purely to interoperate with a legacy-only initiator.
func (h *Handshake) handleLegacyAuth(raw []byte) error {
	plain, err := crypto.ECIESDecrypt(h.priv, raw, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEciesAuthDecryptFailed, err)
	}
	if len(plain) < 65+64+32+1 {
		return ErrEciesAuthDecryptFailed
	}
	var msg authMsg
	copy(msg.Sig[:], plain[0:65])
	copy(msg.InitiatorPubkey[:], plain[65:129])
	copy(msg.Nonce[:], plain[129:161])
	msg.Version = uint(plain[161])
	return h.acceptAuth(msg)
}

func (h *Handshake) acceptAuth(msg authMsg) error {
	if msg.Version < eciesVersion {
		return ErrEciesBadVersion
	}
	pub, err := crypto.PublicKeyFromBytes(msg.InitiatorPubkey[:])
	if err != nil {
		return ErrEciesAuthDecryptFailed
	}
	h.remoteStaticPub = pub
	h.remoteNonce = msg.Nonce

	shared := crypto.ECDHSharedX(pub, h.priv)
	token := xorBytes(shared, msg.Nonce[:])
	recovered, err := crypto.Ecrecover(token, msg.Sig)
	if err != nil {
		return ErrEciesBadTag
	}
	h.remoteEph = recovered
	return nil
}

// ReadAck reads and decrypts an incoming ack message, again supporting both
// wire formats: a leading 0x04 selects the legacy parser, as in ReadAuth.
func (h *Handshake) ReadAck(r *bufio.Reader) error {
	first, err := r.Peek(1)
	if err != nil {
		return err
	}
	if first[0] == 0x04 {
		raw, err := readExact(r, legacyAckSize)
		if err != nil {
			return err
		}
		h.responderMsg = raw
		return h.handleLegacyAck(raw)
	}
	prefix, err := readExact(r, 2)
	if err != nil {
		return err
	}
	size := binary.BigEndian.Uint16(prefix)
	rest, err := readExact(r, int(size))
	if err != nil {
		return err
	}
	h.responderMsg = append(prefix, rest...)
	return h.handleEIP8Ack(prefix, rest)
}

func (h *Handshake) handleEIP8Ack(prefix, ciphertext []byte) error {
	plain, err := crypto.ECIESDecrypt(h.priv, ciphertext, prefix)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEciesAuthDecryptFailed, err)
	}
	var msg ackMsg
	if err := rlp.DecodeBytes(plain, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrEciesAuthDecryptFailed, err)
	}
	return h.acceptAck(msg)
}

func (h *Handshake) handleLegacyAck(raw []byte) error {
	plain, err := crypto.ECIESDecrypt(h.priv, raw, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEciesAuthDecryptFailed, err)
	}
	if len(plain) < 64+32+1 {
		return ErrEciesAuthDecryptFailed
	}
	var msg ackMsg
	copy(msg.EphemeralPubkey[:], plain[0:64])
	copy(msg.Nonce[:], plain[64:96])
	msg.Version = uint(plain[96])
	return h.acceptAck(msg)
}

func (h *Handshake) acceptAck(msg ackMsg) error {
	if msg.Version < eciesVersion {
		return ErrEciesBadVersion
	}
	eph, err := crypto.PublicKeyFromBytes(msg.EphemeralPubkey[:])
	if err != nil {
		return ErrEciesAuthDecryptFailed
	}
	h.remoteEph = eph
	h.remoteNonce = msg.Nonce
	return nil
}

func readExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// deriveSecrets computes aesSecret/macSecret and seeds the egress/ingress
// MAC states exactly as specified in §4.2.
func (h *Handshake) deriveSecrets() (*secrets, error) {
	if h.remoteEph == nil {
		return nil, errors.New("p2p: remote ephemeral key not set")
	}
	ephShared := crypto.ECDHSharedX(h.remoteEph, h.ephemeral)

	var initNonce, respNonce []byte
	if h.initiator {
		initNonce, respNonce = h.localNonce[:], h.remoteNonce[:]
	} else {
		initNonce, respNonce = h.remoteNonce[:], h.localNonce[:]
	}

	nonceDigest := crypto.Keccak256(respNonce, initNonce)
	sharedSecret := crypto.Keccak256(ephShared, nonceDigest)
	aesSecret := crypto.Keccak256(ephShared, sharedSecret)
	macSecret := crypto.Keccak256(ephShared, aesSecret)

	// egressMAC is always seeded with the remote nonce and fed the message
	// this side sent; ingressMAC with the local nonce and the message this
	// side received -- independent of who initiated (§4.2).
	var sentMsg, receivedMsg []byte
	if h.initiator {
		sentMsg, receivedMsg = h.initiatorMsg, h.responderMsg
	} else {
		sentMsg, receivedMsg = h.responderMsg, h.initiatorMsg
	}

	egressMAC, err := newFrameMAC(macSecret)
	if err != nil {
		return nil, err
	}
	egressMAC.hash.Write(xorBytes(macSecret, h.remoteNonce[:]))
	egressMAC.hash.Write(sentMsg)

	ingressMAC, err := newFrameMAC(macSecret)
	if err != nil {
		return nil, err
	}
	ingressMAC.hash.Write(xorBytes(macSecret, h.localNonce[:]))
	ingressMAC.hash.Write(receivedMsg)

	return &secrets{aesSecret: aesSecret, egressMAC: egressMAC, ingressMAC: ingressMAC, remotePub: h.remoteStaticPub}, nil
}

// RemoteStaticPub returns the remote's long-lived public key, known for the
// initiator from configuration and recovered from the auth message for the
// responder.
func (h *Handshake) RemoteStaticPub() *crypto.PublicKey { return h.remoteStaticPub }

// DoHandshake drives the full ECIES handshake over conn and returns a ready
// FrameCodec. remoteStaticPub is required when dialing out and nil when
// accepting an inbound connection.
func DoHandshake(conn net.Conn, priv *crypto.PrivateKey, remoteStaticPub *crypto.PublicKey, initiator bool) (*FrameCodec, error) {
	fc, _, err := DoHandshakeIdentity(conn, priv, remoteStaticPub, initiator)
	return fc, err
}

// DoHandshakeIdentity is DoHandshake plus the remote's recovered static
// public key, needed by callers (Pool's accept/dial wiring) that don't
// already know which peer answered -- the responder side only learns the
// initiator's identity by recovering it from the auth message.
func DoHandshakeIdentity(conn net.Conn, priv *crypto.PrivateKey, remoteStaticPub *crypto.PublicKey, initiator bool) (*FrameCodec, *crypto.PublicKey, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	h, err := NewHandshake(priv, remoteStaticPub, initiator)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(conn)

	if initiator {
		auth, err := h.MakeAuthEIP8()
		if err != nil {
			return nil, nil, err
		}
		h.initiatorMsg = auth
		if _, err := conn.Write(auth); err != nil {
			return nil, nil, err
		}
		if err := h.ReadAck(br); err != nil {
			return nil, nil, err
		}
	} else {
		if err := h.ReadAuth(br); err != nil {
			return nil, nil, err
		}
		ack, err := h.MakeAckEIP8()
		if err != nil {
			return nil, nil, err
		}
		h.responderMsg = ack
		if _, err := conn.Write(ack); err != nil {
			return nil, nil, err
		}
	}

	sec, err := h.deriveSecrets()
	if err != nil {
		return nil, nil, err
	}
	fc, err := NewFrameCodec(conn, sec, initiator)
	if err != nil {
		return nil, nil, err
	}
	return fc, h.RemoteStaticPub(), nil
}
