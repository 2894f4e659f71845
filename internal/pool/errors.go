package pool

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/1ureka/rtcpool/internal/protocol"
)

var (
	// ErrNotNegotiable is returned when a negotiation operation targets an
	// abstract peer.
	ErrNotNegotiable = errors.New("no such negotiable peer")
	ErrPeerClosed    = errors.New("peer closed")
	ErrPoolClosed    = errors.New("pool closed")
	ErrPeerExists    = errors.New("peer already exists")
	ErrInvalidKind   = errors.New("invalid media kind")

	// ErrChannelNotReady is returned by SendMessage before the side channel
	// has opened.
	ErrChannelNotReady = errors.New("side channel not open")

	// ErrMediaUnavailable and ErrMediaDenied are the causes a MediaSource
	// reports through MediaAcquisitionError.
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrMediaDenied      = errors.New("media access denied")

	// errGlareIgnored is returned by an impolite peer that drops a remote
	// offer colliding with its own.
	errGlareIgnored = errors.New("remote offer ignored during glare")
)

// InvalidPeerIDError reports a peer id that cannot key the peer map.
type InvalidPeerIDError struct {
	ID string
}

func (e *InvalidPeerIDError) Error() string {
	return fmt.Sprintf("invalid peer id %q", e.ID)
}

// UnknownPeerError reports an operation that requires an existing peer.
type UnknownPeerError struct {
	ID string
	Op string
}

func (e *UnknownPeerError) Error() string {
	return fmt.Sprintf("%s: unknown peer %q", e.Op, e.ID)
}

// NegotiationError wraps a failed description step. It is recoverable: the
// peer stays in the pool and a later offer may succeed.
type NegotiationError struct {
	PeerID string
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %q failed at %s: %v", e.PeerID, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// errNoSDP is the cause used when the transport yields an empty description.
var errNoSDP = errors.New("no sdp")

// MediaAcquisitionError reports that a local track could not be captured.
type MediaAcquisitionError struct {
	Kind protocol.MediaKind
	Err  error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Kind, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// ValidatePeerID checks that id is a usable peer id: non-empty, valid UTF-8,
// not only whitespace and free of control characters.
func ValidatePeerID(id string) error {
	if id == "" || !utf8.ValidString(id) {
		return &InvalidPeerIDError{ID: id}
	}
	blank := true
	for _, r := range id {
		if unicode.IsControl(r) {
			return &InvalidPeerIDError{ID: id}
		}
		if !unicode.IsSpace(r) {
			blank = false
		}
	}
	if blank {
		return &InvalidPeerIDError{ID: id}
	}
	return nil
}

func validateKind(kind protocol.MediaKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return nil
}
