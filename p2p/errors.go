package p2p

import (
	"errors"
	"time"
)

// ErrorKind classifies a connection-level failure for propagation and for
// the ban-policy decisions in §7: Handshake and Protocol failures are fatal
// and ban the remote, Timeout and Cancelled are fatal but unbanned, and
// Transport covers locally-recovered errors that never reach this far.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindHandshake
	KindProtocol
	KindTimeout
	KindResourceExhausted
	KindCancelled
)

// SoftBanDuration and HardBanDuration are the §7 ban TTLs: a Handshake
// failure soft-bans the remote for 5 minutes, a Protocol failure hard-bans
// it for 1 hour.
const (
	SoftBanDuration = 5 * time.Minute
	HardBanDuration = 1 * time.Hour
)

// ClassifyError maps an error returned from the handshake or session layer
// to its §7 Kind, unwrapping through fmt.Errorf("%w: ...") wrappers via
// errors.Is. Errors that don't match any known sentinel classify as
// KindUnknown and never ban.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrEciesAuthDecryptFailed),
		errors.Is(err, ErrEciesBadTag),
		errors.Is(err, ErrEciesBadVersion),
		errors.Is(err, ErrIncompatibleVersion),
		errors.Is(err, ErrNoMatchingCaps),
		errors.Is(err, ErrStatusNetworkMismatch),
		errors.Is(err, ErrStatusGenesisMismatch),
		errors.Is(err, ErrStatusForkIDMismatch):
		return KindHandshake
	case errors.Is(err, ErrBadHeaderMAC),
		errors.Is(err, ErrBadBodyMAC),
		errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrStreamNotFound),
		errors.Is(err, ErrNotFirstStatus):
		return KindProtocol
	case errors.Is(err, ErrHandshakeTimeout),
		errors.Is(err, ErrEciesTimeout):
		return KindTimeout
	case errors.Is(err, ErrMuxClosed):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// BanDuration reports the ban-list TTL for k and whether k bans at all.
func (k ErrorKind) BanDuration() (time.Duration, bool) {
	switch k {
	case KindHandshake:
		return SoftBanDuration, true
	case KindProtocol:
		return HardBanDuration, true
	default:
		return 0, false
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHandshake:
		return "handshake"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
