package p2p

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	ErrStreamNotFound = errors.New("p2p: no stream for message code")
	ErrMuxClosed      = errors.New("p2p: multiplexer closed")
)

// defaultStreamQueueSize bounds each sub-protocol's inbound message queue;
// a slow consumer that falls behind gets disconnected rather than let the
// queue grow without bound (§4.5).
const defaultStreamQueueSize = 1024

// baseCodeSpace is the number of message codes the session layer reserves
// for itself (Hello/Disconnect/Ping/Pong plus headroom), before any
// negotiated capability's own code range begins.
const baseCodeSpace = 0x10

// Stream is a single negotiated sub-protocol's view of the session: message
// codes are re-based to [0, length) on both read and write.
type Stream struct {
	Cap    Cap
	offset uint64
	length uint64
	in     chan Msg
	done   chan struct{}
}

// ReadMsg blocks until a message destined for this sub-protocol arrives, the
// multiplexer is closed, or the stream itself was closed for overflow.
func (s *Stream) ReadMsg() (Msg, error) {
	select {
	case msg, ok := <-s.in:
		if !ok {
			return Msg{}, ErrMuxClosed
		}
		return msg, nil
	case <-s.done:
		return Msg{}, ErrMuxClosed
	}
}

// Multiplexer dispatches frames between the session's single FrameCodec and
// each negotiated sub-protocol's Stream, based on the code ranges assigned
// during Hello negotiation (§4.4, §4.5).
type Multiplexer struct {
	fc      *FrameCodec
	streams []*Stream

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	// onOverflow is invoked when a stream's inbound queue overflows; the
	// session wires this to Session.Disconnect(DiscTooManyPeers).
	onOverflow func(reason DisconnectReason)
}

// NewMultiplexer assigns each capability a contiguous code range starting at
// baseCodeSpace, ordered by (name, version) as session negotiation already
// produced, and wires lengths from the lengths map (sub-protocol message
// counts, e.g. {"eth": 17}).
func NewMultiplexer(fc *FrameCodec, caps []Cap, lengths map[string]uint64) *Multiplexer {
	sorted := make([]Cap, len(caps))
	copy(sorted, caps)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Version > sorted[j].Version
	})

	mux := &Multiplexer{fc: fc, done: make(chan struct{})}
	offset := uint64(baseCodeSpace)
	for _, c := range sorted {
		length := lengths[c.Name]
		mux.streams = append(mux.streams, &Stream{
			Cap: c, offset: offset, length: length,
			in:   make(chan Msg, defaultStreamQueueSize),
			done: mux.done,
		})
		offset += length
	}
	return mux
}

// OnOverflow registers the callback fired when a stream's bounded queue
// overflows.
func (mux *Multiplexer) OnOverflow(fn func(DisconnectReason)) {
	mux.mu.Lock()
	mux.onOverflow = fn
	mux.mu.Unlock()
}

// Stream returns the Stream for a negotiated capability name, if any.
func (mux *Multiplexer) Stream(name string) *Stream {
	for _, s := range mux.streams {
		if s.Cap.Name == name {
			return s
		}
	}
	return nil
}

// WriteMsg sends msg on behalf of stream s, offsetting its code into the
// session's shared code space.
func (mux *Multiplexer) WriteMsg(s *Stream, msg Msg) error {
	if msg.Code >= s.length {
		return fmt.Errorf("p2p: message code %d exceeds %s length %d", msg.Code, s.Cap.Name, s.length)
	}
	return mux.fc.WriteMsg(Msg{Code: msg.Code + s.offset, Payload: msg.Payload})
}

// ReadLoop reads frames from the FrameCodec and dispatches them to the
// owning stream's queue until the codec errors, a Disconnect arrives, or a
// stream overflow closes the multiplexer. A Close from elsewhere does not
// interrupt a ReadLoop blocked in the codec. Ping/Pong frames (the base protocol's own codes) are handled inline
// rather than routed to any sub-protocol.
func (mux *Multiplexer) ReadLoop() error {
	for {
		msg, err := mux.fc.ReadMsg()
		if err != nil {
			mux.Close()
			return err
		}
		switch msg.Code {
		case pingMsgCode:
			mux.fc.SendPong()
			continue
		case pongMsgCode:
			mux.fc.HandlePong()
			continue
		case discMsgCode:
			mux.Close()
			return io.EOF
		}

		s := mux.findStream(msg.Code)
		if s == nil {
			continue
		}
		local := Msg{Code: msg.Code - s.offset, Payload: msg.Payload}
		select {
		case s.in <- local:
		default:
			mux.overflow(s)
			return ErrMuxClosed
		}
	}
}

func (mux *Multiplexer) overflow(s *Stream) {
	mux.mu.Lock()
	cb := mux.onOverflow
	mux.mu.Unlock()
	if cb != nil {
		cb(DiscTooManyPeers)
	}
	mux.Close()
}

func (mux *Multiplexer) findStream(code uint64) *Stream {
	for _, s := range mux.streams {
		if code >= s.offset && code < s.offset+s.length {
			return s
		}
	}
	return nil
}

// Close shuts down the multiplexer, unblocking every Stream's ReadMsg.
func (mux *Multiplexer) Close() {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if !mux.closed {
		mux.closed = true
		close(mux.done)
	}
}
