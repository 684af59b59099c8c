package p2p

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/rlp"
)

// Frame layout (§4.3):
//   header(16B ciphertext) || header-MAC(16B) || body(padded to 16B) || body-MAC(16B)
const (
	headerSize = 16
	macTagSize = 16
)

var (
	ErrBadHeaderMAC = errors.New("p2p: frame header MAC mismatch")
	ErrBadBodyMAC   = errors.New("p2p: frame body MAC mismatch")
	ErrFrameTooLarge = errors.New("p2p: frame size overflows uint24")
)

const maxUint24 = 1<<24 - 1

// frameMAC implements the cumulative, never-reset MAC construction used by
// the real RLPx frame codec: the running Keccak state is reseeded on every
// call by AES-ECB-encrypting its current digest, XORing in a seed, and
// feeding the result back in. Unlike HMAC, this makes every tag depend on
// every prior frame exchanged on the connection.
type frameMAC struct {
	cipher cipher.Block // AES-128, keyed with macSecret
	hash   hash.Hash    // cumulative Keccak256 state, never reset
	mu     sync.Mutex
}

func newFrameMAC(macSecret []byte) (*frameMAC, error) {
	block, err := aes.NewCipher(macSecret[:16])
	if err != nil {
		return nil, err
	}
	return &frameMAC{cipher: block, hash: crypto.NewKeccakState()}, nil
}

// update reseeds the MAC with seed and returns the first 16 bytes of the
// resulting digest as the frame tag.
func (m *frameMAC) update(seed []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	digest := m.hash.Sum(nil)
	var enc [16]byte
	m.cipher.Encrypt(enc[:], digest[:16])
	for i := range enc {
		enc[i] ^= seed[i]
	}
	m.hash.Write(enc[:])
	return m.hash.Sum(nil)[:16]
}

// updateHeader seeds the MAC with the (already encrypted) header bytes.
func (m *frameMAC) updateHeader(cipherHeader []byte) []byte {
	return m.update(cipherHeader[:16])
}

// updateBody feeds the encrypted body into the running hash first, then
// reseeds with that intermediate digest -- this is what ties the body MAC
// to both the frame contents and everything sent before it.
func (m *frameMAC) updateBody(cipherBody []byte) []byte {
	m.mu.Lock()
	m.hash.Write(cipherBody)
	seed := m.hash.Sum(nil)
	m.mu.Unlock()
	return m.update(seed[:16])
}

// FrameCodec implements the RLPx session wire format: AES-256-CTR
// encryption with a zero IV plus the cumulative-Keccak frame MAC, and
// Ping/Pong keepalive. Message-code multiplexing across negotiated
// capabilities is owned by Multiplexer, one layer up.
type FrameCodec struct {
	conn net.Conn

	encStream cipher.Stream
	decStream cipher.Stream

	egressMAC  *frameMAC
	ingressMAC *frameMAC

	wmu sync.Mutex
	rmu sync.Mutex

	mu       sync.Mutex
	closed   bool
	lastPong time.Time

	keepaliveDone chan struct{}
}

// NewFrameCodec builds a FrameCodec from handshake secrets. Both peers
// derive the same aesSecret, but the roles swap which MAC state (egress vs
// ingress) maps to which direction is never an issue here since deriveSecrets
// already produced role-correct egress/ingress states.
func NewFrameCodec(conn net.Conn, sec *secrets, initiator bool) (*FrameCodec, error) {
	block, err := aes.NewCipher(sec.aesSecret)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize) // zero IV: safe only because aesSecret is single-use per session
	fc := &FrameCodec{
		conn:       conn,
		encStream:  cipher.NewCTR(block, iv),
		decStream:  cipher.NewCTR(block, iv),
		egressMAC:  sec.egressMAC,
		ingressMAC: sec.ingressMAC,
	}
	return fc, nil
}

// header plaintext: size(3B) || rlp([capabilityID=0, contextID=0]) || zero-pad to 16B.
type frameHeaderFields struct {
	CapID     uint64
	ContextID uint64
}

func (fc *FrameCodec) buildHeaderPlaintext(size int) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(frameHeaderFields{})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize)
	putUint24(buf, uint32(size))
	copy(buf[3:], payload)
	return buf, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func padTo16(b []byte) []byte {
	if r := len(b) % 16; r != 0 {
		b = append(b, make([]byte, 16-r)...)
	}
	return b
}

// WriteMsg encodes and sends a single devp2p message, prepending the code
// byte(s) as an RLP uint before the payload (§4.3, §4.4).
func (fc *FrameCodec) WriteMsg(msg Msg) error {
	fc.wmu.Lock()
	defer fc.wmu.Unlock()

	codeBytes, err := rlp.EncodeToBytes(msg.Code)
	if err != nil {
		return err
	}
	body := append(codeBytes, msg.Payload...)
	if len(body) > maxUint24 {
		return ErrFrameTooLarge
	}

	header, err := fc.buildHeaderPlaintext(len(body))
	if err != nil {
		return err
	}
	encHeader := make([]byte, headerSize)
	fc.encStream.XORKeyStream(encHeader, header)
	headerMAC := fc.egressMAC.updateHeader(encHeader)

	padded := padTo16(body)
	encBody := make([]byte, len(padded))
	fc.encStream.XORKeyStream(encBody, padded)
	bodyMAC := fc.egressMAC.updateBody(encBody)

	frame := make([]byte, 0, headerSize+macTagSize+len(encBody)+macTagSize)
	frame = append(frame, encHeader...)
	frame = append(frame, headerMAC...)
	frame = append(frame, encBody...)
	frame = append(frame, bodyMAC...)

	_, err = fc.conn.Write(frame)
	return err
}

// ReadMsg reads and decrypts one frame. Any MAC mismatch is treated as a
// BadProtocol-class failure: the connection is closed and the codec is
// marked closed (§4.3). The cipher and MAC state held in memory is not
// overwritten.
func (fc *FrameCodec) ReadMsg() (Msg, error) {
	fc.rmu.Lock()
	defer fc.rmu.Unlock()

	headAndMAC := make([]byte, headerSize+macTagSize)
	if _, err := io.ReadFull(fc.conn, headAndMAC); err != nil {
		return Msg{}, err
	}
	encHeader, headerMAC := headAndMAC[:headerSize], headAndMAC[headerSize:]

	wantHeaderMAC := fc.ingressMAC.updateHeader(encHeader)
	if !hmac.Equal(headerMAC, wantHeaderMAC) {
		fc.destroy()
		return Msg{}, ErrBadHeaderMAC
	}

	header := make([]byte, headerSize)
	fc.decStream.XORKeyStream(header, encHeader)
	size := getUint24(header)

	bodySize := int(size)
	padded := bodySize
	if r := padded % 16; r != 0 {
		padded += 16 - r
	}

	bodyAndMAC := make([]byte, padded+macTagSize)
	if _, err := io.ReadFull(fc.conn, bodyAndMAC); err != nil {
		return Msg{}, err
	}
	encBody, bodyMAC := bodyAndMAC[:padded], bodyAndMAC[padded:]

	wantBodyMAC := fc.ingressMAC.updateBody(encBody)
	if !hmac.Equal(bodyMAC, wantBodyMAC) {
		fc.destroy()
		return Msg{}, ErrBadBodyMAC
	}

	body := make([]byte, padded)
	fc.decStream.XORKeyStream(body, encBody)
	body = body[:bodySize]

	rest, err := splitUint(body)
	if err != nil {
		return Msg{}, fmt.Errorf("p2p: invalid frame code: %w", err)
	}
	return Msg{Code: rest.code, Payload: rest.payload}, nil
}

type decodedCode struct {
	code    uint64
	payload []byte
}

func splitUint(body []byte) (decodedCode, error) {
	s := rlp.NewStreamFromBytes(body)
	code, err := s.Uint64()
	if err != nil {
		return decodedCode{}, err
	}
	rest := body[consumedBytes(body, code):]
	return decodedCode{code: code, payload: rest}, nil
}

// consumedBytes returns how many leading bytes of body the RLP encoding of
// code occupies, so the remainder can be sliced off as the raw payload.
func consumedBytes(body []byte, code uint64) int {
	return rlp.UintSize(code)
}

// destroy closes the connection and marks the codec unusable; it does not
// overwrite the cipher or MAC state held in memory. Called once on any MAC
// failure or explicit Close.
func (fc *FrameCodec) destroy() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return
	}
	fc.closed = true
	fc.conn.Close()
}

// Close shuts the codec down, stopping any running keepalive loop.
func (fc *FrameCodec) Close() error {
	fc.mu.Lock()
	done := fc.keepaliveDone
	fc.mu.Unlock()
	if done != nil {
		close(done)
	}
	fc.destroy()
	return nil
}

func (fc *FrameCodec) IsClosed() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.closed
}

// keepaliveInterval and keepaliveTimeout drive the Ping/Pong liveness check
// layered on top of the frame codec (§4.4).
const (
	keepaliveInterval = 15 * time.Second
	keepaliveTimeout  = 20 * time.Second
)

// StartKeepalive launches a goroutine sending Ping every keepaliveInterval
// and disconnecting if no Pong (tracked via HandlePong) arrives within
// keepaliveTimeout.
func (fc *FrameCodec) StartKeepalive() {
	fc.mu.Lock()
	fc.lastPong = time.Now()
	fc.keepaliveDone = make(chan struct{})
	done := fc.keepaliveDone
	fc.mu.Unlock()
	go fc.keepaliveLoop(done)
}

func (fc *FrameCodec) keepaliveLoop(done chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fc.mu.Lock()
			stale := time.Since(fc.lastPong) > keepaliveTimeout
			fc.mu.Unlock()
			if stale {
				fc.destroy()
				return
			}
			if err := fc.SendPing(); err != nil {
				fc.destroy()
				return
			}
		}
	}
}

// HandlePong records that a Pong was received, resetting the keepalive
// timeout clock.
func (fc *FrameCodec) HandlePong() {
	fc.mu.Lock()
	fc.lastPong = time.Now()
	fc.mu.Unlock()
}

func (fc *FrameCodec) SendPing() error { return fc.WriteMsg(Msg{Code: pingMsgCode}) }
func (fc *FrameCodec) SendPong() error { return fc.WriteMsg(Msg{Code: pongMsgCode}) }
