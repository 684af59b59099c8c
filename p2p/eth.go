package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/big"
	"sort"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/rlp"
	"github.com/holiman/uint256"
)

// ETH/68 message codes (§4.5). Only the Status handshake is processed here;
// the rest are framed/deframed as opaque RLP lists with no chain logic.
const (
	ethProtocolName    = "eth"
	ethProtocolVersion = 68

	EthStatusMsg                   = 0x00
	EthNewBlockHashesMsg            = 0x01
	EthTransactionsMsg              = 0x02
	EthGetBlockHeadersMsg           = 0x03
	EthBlockHeadersMsg              = 0x04
	EthGetBlockBodiesMsg            = 0x05
	EthBlockBodiesMsg               = 0x06
	EthNewBlockMsg                  = 0x07
	EthNewPooledTransactionHashesMsg = 0x08
	EthGetPooledTransactionsMsg     = 0x09
	EthPooledTransactionsMsg        = 0x0a
	EthReceiptsMsg                  = 0x10

	// ethMessageCount is the code-range length reserved for "eth" in the
	// multiplexer, covering codes 0x00..0x10 inclusive.
	ethMessageCount = 0x11
)

var (
	ErrStatusNetworkMismatch = errors.New("p2p: networkId mismatch")
	ErrStatusGenesisMismatch = errors.New("p2p: genesisHash mismatch")
	ErrStatusForkIDMismatch  = errors.New("p2p: forkId mismatch")
	ErrNotFirstStatus        = errors.New("p2p: first eth frame was not Status")
)

// ForkID is the EIP-2124 fork identifier exchanged in Status.
type ForkID struct {
	Hash [4]byte
	Next uint64
}

// CalcForkID computes the fork identifier from a genesis hash, the current
// head block number, and the sorted set of activation blocks already passed
// or still pending.
func CalcForkID(genesisHash crypto.Hash, head uint64, forkBlocks []uint64) ForkID {
	hash := crc32.ChecksumIEEE(genesisHash[:])
	forks := cleanForks(forkBlocks)

	for _, fork := range forks {
		if fork <= head {
			hash = checksumUpdate(hash, fork)
			continue
		}
		return ForkID{Hash: checksumToBytes(hash), Next: fork}
	}
	return ForkID{Hash: checksumToBytes(hash), Next: 0}
}

func checksumUpdate(hash uint32, fork uint64) uint32 {
	var blob [8]byte
	binary.BigEndian.PutUint64(blob[:], fork)
	return crc32.Update(hash, crc32.IEEETable, blob[:])
}

func checksumToBytes(hash uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], hash)
	return b
}

func cleanForks(forks []uint64) []uint64 {
	if len(forks) == 0 {
		return nil
	}
	cp := make([]uint64, len(forks))
	copy(cp, forks)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	result := make([]uint64, 0, len(cp))
	for i, f := range cp {
		if f == 0 {
			continue
		}
		if i > 0 && f == cp[i-1] {
			continue
		}
		result = append(result, f)
	}
	return result
}

// statusWire is the RLP wire layout of Status(0x00): version, networkId,
// totalDifficulty, bestHash, genesisHash, forkId (§4.5). TotalDifficulty
// rides as *big.Int on the wire -- the rlp package special-cases big.Int --
// and is converted to/from uint256.Int at the API boundary.
type statusWire struct {
	Version         uint32
	NetworkID       uint64
	TotalDifficulty *big.Int
	BestHash        [32]byte
	GenesisHash     [32]byte
	ForkHash        [4]byte
	ForkNext        uint64
}

// Status is the decoded, public form of the ETH Status handshake.
type Status struct {
	Version         uint32
	NetworkID       uint64
	TotalDifficulty *uint256.Int
	BestHash        crypto.Hash
	GenesisHash     crypto.Hash
	ForkID          ForkID
}

// NewLocalStatus builds this node's outgoing Status for the eth Status
// exchange, at the protocol version this build negotiates (68).
func NewLocalStatus(networkID uint64, totalDifficulty *uint256.Int, bestHash, genesisHash crypto.Hash, forkID ForkID) Status {
	return Status{
		Version:         ethProtocolVersion,
		NetworkID:       networkID,
		TotalDifficulty: totalDifficulty,
		BestHash:        bestHash,
		GenesisHash:     genesisHash,
		ForkID:          forkID,
	}
}

func (s Status) toWire() statusWire {
	return statusWire{
		Version:         s.Version,
		NetworkID:       s.NetworkID,
		TotalDifficulty: s.TotalDifficulty.ToBig(),
		BestHash:        [32]byte(s.BestHash),
		GenesisHash:     [32]byte(s.GenesisHash),
		ForkHash:        s.ForkID.Hash,
		ForkNext:        s.ForkID.Next,
	}
}

func (w statusWire) toStatus() Status {
	td, overflow := uint256.FromBig(w.TotalDifficulty)
	if overflow {
		td = uint256.NewInt(0)
	}
	return Status{
		Version:         w.Version,
		NetworkID:       w.NetworkID,
		TotalDifficulty: td,
		BestHash:        crypto.Hash(w.BestHash),
		GenesisHash:     crypto.Hash(w.GenesisHash),
		ForkID:          ForkID{Hash: w.ForkHash, Next: w.ForkNext},
	}
}

// EthProtocol carries the state needed to exchange and validate Status on a
// freshly negotiated eth Stream (§4.5): both peers must send it as the first
// frame, and a networkId/genesisHash mismatch is fatal.
type EthProtocol struct {
	mux    *Multiplexer
	stream *Stream
	Local  Status
	Remote Status
}

// NewEthProtocol wraps an eth Stream and performs the Status exchange,
// validating networkId, genesisHash, and forkId compatibility. mux is the
// Multiplexer that owns stream, needed so outgoing frames can be re-offset
// into the session's shared code space.
func NewEthProtocol(mux *Multiplexer, stream *Stream, local Status) (*EthProtocol, error) {
	ep := &EthProtocol{mux: mux, stream: stream, Local: local}
	if err := ep.exchangeStatus(); err != nil {
		return nil, err
	}
	return ep, nil
}

// StatusDisconnectReason maps a Status validation failure to the
// DisconnectReason it must be reported with (§4.5): networkId/genesisHash
// mismatch is a useless peer, forkId mismatch is a protocol-version
// incompatibility, and anything else falls back to a generic subprotocol
// error.
func StatusDisconnectReason(err error) DisconnectReason {
	switch {
	case errors.Is(err, ErrStatusNetworkMismatch), errors.Is(err, ErrStatusGenesisMismatch):
		return DiscUselessPeer
	case errors.Is(err, ErrStatusForkIDMismatch):
		return DiscIncompatibleP2PProtocolVersion
	default:
		return DiscSubprotocolError
	}
}

func (ep *EthProtocol) exchangeStatus() error {
	type statusResult struct {
		s   Status
		err error
	}
	recvCh := make(chan statusResult, 1)
	sendCh := make(chan error, 1)

	go func() {
		payload, err := rlp.EncodeToBytes(ep.Local.toWire())
		if err != nil {
			sendCh <- err
			return
		}
		sendCh <- ep.mux.WriteMsg(ep.stream, Msg{Code: EthStatusMsg, Payload: payload})
	}()

	go func() {
		msg, err := ep.stream.ReadMsg()
		if err != nil {
			recvCh <- statusResult{err: err}
			return
		}
		if msg.Code != EthStatusMsg {
			recvCh <- statusResult{err: ErrNotFirstStatus}
			return
		}
		var w statusWire
		if err := rlp.DecodeBytes(msg.Payload, &w); err != nil {
			recvCh <- statusResult{err: err}
			return
		}
		recvCh <- statusResult{s: w.toStatus()}
	}()

	if err := <-sendCh; err != nil {
		return fmt.Errorf("p2p: eth status write: %w", err)
	}
	res := <-recvCh
	if res.err != nil {
		return res.err
	}
	ep.Remote = res.s

	if ep.Remote.NetworkID != ep.Local.NetworkID {
		return ErrStatusNetworkMismatch
	}
	if ep.Remote.GenesisHash != ep.Local.GenesisHash {
		return ErrStatusGenesisMismatch
	}
	if ep.Remote.ForkID.Hash != ep.Local.ForkID.Hash {
		return ErrStatusForkIDMismatch
	}
	return nil
}
