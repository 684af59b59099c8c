package p2p

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/p2p/enode"
)

// SupportedCaps and their multiplexer code-range lengths: this build
// negotiates the eth sub-protocol only (§4.6).
var (
	SupportedCaps = []Cap{{Name: ethProtocolName, Version: ethProtocolVersion}}
	streamLengths = map[string]uint64{ethProtocolName: ethMessageCount}
)

// netConn adapts a real net.Conn to Pool's minimal Conn interface, while
// keeping the underlying net.Conn reachable for code -- the handshake --
// that needs the full interface (SetDeadline, in particular).
type netConn struct{ net.Conn }

func (c netConn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
func (c netConn) Raw() net.Conn      { return c.Conn }

// TCPDialer implements Dialer over real outbound TCP connections, bounding
// every attempt by Timeout (the configured DialTimeout, §6) on top of
// whatever deadline the caller's context already carries.
type TCPDialer struct {
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return netConn{conn}, nil
}

// Handshaker runs the full transport stack over a connection -- ECIES
// handshake, Hello negotiation, multiplexer setup, and the eth Status
// exchange -- producing a registered-ready Peer. It is the function
// signature both Pool.Dial and the inbound accept loop call.
type Handshaker func(conn Conn) (*Peer, error)

// NewHandshaker builds a Handshaker bound to this node's identity, listen
// port, and local eth Status. remoteStaticPub is nil for inbound accepts
// (the remote's identity isn't known yet) and required for outbound dials.
// The Conn passed in must wrap a real net.Conn (via netConn, i.e. one
// produced by TCPDialer or the inbound accept loop) since the ECIES
// handshake needs read/write deadlines only net.Conn exposes.
func NewHandshaker(priv *crypto.PrivateKey, listenPort uint64, localStatus Status, remoteStaticPub *crypto.PublicKey, initiator bool) Handshaker {
	return func(c Conn) (*Peer, error) {
		raw, ok := c.(interface{ Raw() net.Conn })
		if !ok {
			return nil, fmt.Errorf("p2p: connection does not support the ECIES handshake")
		}
		conn := raw.Raw()

		fc, remotePub, err := DoHandshakeIdentity(conn, priv, remoteStaticPub, initiator)
		if err != nil {
			return nil, fmt.Errorf("p2p: ecies handshake: %w", err)
		}
		if remotePub == nil {
			remotePub = remoteStaticPub
		}
		if remotePub == nil {
			fc.Close()
			return nil, fmt.Errorf("p2p: could not determine remote identity")
		}
		fc.StartKeepalive()

		local := &HelloPacket{
			Version:    baseProtocolVersion,
			ClientID:   "eth2030/node",
			Caps:       SupportedCaps,
			ListenPort: listenPort,
			NodeID:     selfNodeID(priv),
		}

		session, err := NewSession(fc, local)
		if err != nil {
			fc.Close()
			return nil, fmt.Errorf("p2p: hello negotiation: %w", err)
		}
		if len(session.Negotiated) == 0 {
			session.Disconnect(DiscUselessPeer)
			return nil, ErrNoMatchingCaps
		}

		mux := NewMultiplexer(fc, session.Negotiated, streamLengths)
		mux.OnOverflow(func(reason DisconnectReason) { session.Disconnect(reason) })

		stream := mux.Stream(ethProtocolName)
		if stream == nil {
			session.Disconnect(DiscSubprotocolError)
			return nil, ErrStreamNotFound
		}
		eth, err := NewEthProtocol(mux, stream, localStatus)
		if err != nil {
			session.Disconnect(StatusDisconnectReason(err))
			return nil, fmt.Errorf("p2p: eth status exchange: %w", err)
		}

		id := enode.IdentityFromPublicKey(remotePub)
		peer := NewPeer(id, conn.RemoteAddr().String(), !initiator, session, mux, eth)
		return peer, nil
	}
}

func selfNodeID(priv *crypto.PrivateKey) [enode.IdentityLen]byte {
	return enode.IdentityFromPublicKey(priv.PublicKey())
}

// AcceptLoop runs a TCP accept loop, handing each connection that passes
// pool's inbound rate limit to handshake and, on success, registering the
// resulting Peer. It returns when listener is closed.
func AcceptLoop(listener net.Listener, pool *Pool, handshake Handshaker) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		if !pool.AllowInboundAttempt() {
			conn.Close()
			continue
		}
		if pool.Banned(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		go func(c net.Conn) {
			peer, err := handshake(netConn{c})
			if err != nil {
				pool.BanOnError(c.RemoteAddr().String(), err)
				c.Close()
				return
			}
			if !pool.RegisterInbound(peer) {
				peer.Disconnect(DiscTooManyPeers)
			}
		}(conn)
	}
}
