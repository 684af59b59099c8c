// Package enode implements node identities, peer records, and the enode://
// URI scheme used to describe and bootstrap peers.
package enode

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/eth2030/node/crypto"
)

// IdentityLen is the length of a NodeIdentity: a 64-byte uncompressed
// secp256k1 public key with the leading 0x04 format byte stripped.
const IdentityLen = crypto.PubKeyLen

// Identity is a node's immutable public identity, derived once from a
// private key at process startup.
type Identity [IdentityLen]byte

// IdentityFromPublicKey derives a NodeIdentity from a public key.
func IdentityFromPublicKey(pub *crypto.PublicKey) Identity {
	var id Identity
	copy(id[:], pub.Bytes())
	return id
}

// IdentityFromHex parses a hex-encoded (no 0x prefix required) 64-byte id.
func IdentityFromHex(s string) (Identity, error) {
	var id Identity
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IdentityLen {
		return id, fmt.Errorf("enode: node id must be %d bytes, got %d", IdentityLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hex encoding of the identity, without 0x prefix --
// matching the enode:// URI convention.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (used as a local/self sentinel).
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Distance computes the XOR distance between two identities, interpreted as
// big-endian unsigned integers, per §3/§4.6.
func Distance(a, b Identity) [IdentityLen]byte {
	var d [IdentityLen]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// LogDistance returns the bit-length of the XOR distance between a and b --
// i.e. one plus the index (counted from the LSB) of the highest differing
// bit, or 0 when a == b -- used to
// size the routing-table tree's bucket paths.
func LogDistance(a, b Identity) int {
	d := Distance(a, b)
	for i, by := range d {
		if by != 0 {
			return (IdentityLen-i)*8 - bits.LeadingZeros8(by)
		}
	}
	return 0
}

// DistCmp returns -1, 0, or 1 according to whether a or b is closer to target.
func DistCmp(target, a, b Identity) int {
	for i := 0; i < IdentityLen; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// PeerRecord is the data discovery maintains about a remote node (§3).
// vectorClock is a monotonically-advancing counter the remote asserts about
// itself; collisions of the same Identity arriving with different endpoints
// are arbitrated by keeping the larger vectorClock (ties favor the newer
// candidate, per §4.6).
type PeerRecord struct {
	ID          Identity
	IP          net.IP
	UDPPort     uint16
	TCPPort     uint16
	VectorClock uint32
	LastSeen    int64 // unix seconds
}

// UDPAddr returns the UDP dial address for this record.
func (p *PeerRecord) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: p.IP, Port: int(p.UDPPort)}
}

// TCPAddr returns the TCP dial address for this record.
func (p *PeerRecord) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: p.IP, Port: int(p.TCPPort)}
}

// String renders the record as an enode:// URI.
func (p *PeerRecord) String() string {
	return FormatURI(p.ID, p.IP, p.TCPPort, p.UDPPort)
}

// FormatURI renders (id, ip, tcpPort, udpPort) as enode://<id>@<ip>:<tcp>?discport=<udp>.
// The discport query parameter is omitted when udpPort == tcpPort, matching
// the parser's default-to-tcp-port behavior on the read side.
func FormatURI(id Identity, ip net.IP, tcpPort, udpPort uint16) string {
	host := ip.String()
	if ip.To4() == nil && ip.To16() != nil {
		host = "[" + host + "]"
	}
	base := fmt.Sprintf("enode://%s@%s:%d", id.String(), host, tcpPort)
	if udpPort != tcpPort {
		base += fmt.Sprintf("?discport=%d", udpPort)
	}
	return base
}

var (
	ErrInvalidScheme = errors.New("enode: URI scheme must be \"enode\"")
	ErrMissingID     = errors.New("enode: URI missing node id")
	ErrInvalidIP     = errors.New("enode: URI has invalid IP address")
)

// ParseURI parses an enode://<hex-nodeId>@<ip>:<tcpPort>?discport=<udpPort>
// URI. A missing discport query parameter defaults udpPort to tcpPort.
func ParseURI(rawurl string) (*PeerRecord, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "enode" {
		return nil, ErrInvalidScheme
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, ErrMissingID
	}
	id, err := IdentityFromHex(u.User.Username())
	if err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, ErrInvalidIP
	}
	tcpPort, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	udpPort := tcpPort
	if disc := u.Query().Get("discport"); disc != "" {
		v, err := strconv.ParseUint(disc, 10, 16)
		if err != nil {
			return nil, err
		}
		udpPort = v
	}
	return &PeerRecord{
		ID:      id,
		IP:      ip,
		TCPPort: uint16(tcpPort),
		UDPPort: uint16(udpPort),
	}, nil
}
