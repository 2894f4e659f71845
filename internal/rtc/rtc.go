// Package rtc is the capability contract of a real-time session: the
// negotiation primitives, candidate handling, track transport and data
// channels that the pool consumes. internal/transport implements it on top
// of pion/webrtc; tests implement it in memory.
package rtc

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/protocol"
)

// Session is one peer connection.
//
// Callbacks registered with On* may fire on any goroutine. Registering a
// callback replaces the previous one.
type Session interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ICEGatheringState() webrtc.ICEGatheringState
	ConnectionState() webrtc.PeerConnectionState
	HasRemoteDescription() bool

	// SetTrack attaches track as the outgoing track of its kind. The first
	// attach adds a sender (and so needs negotiation); later calls replace
	// the sender's track in place. A nil track mutes the sender without
	// removing it.
	SetTrack(kind protocol.MediaKind, track webrtc.TrackLocal) error
	// HasTrack reports whether a sender for kind currently carries a track.
	HasTrack(kind protocol.MediaKind) bool

	CreateDataChannel(label string) (Channel, error)

	OnNegotiationNeeded(func())
	OnTrack(func(RemoteTrack))
	// OnICECandidate receives nil when local gathering is complete.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnDataChannel(func(Channel))

	Close() error
}

// Channel is a reliable, ordered message channel negotiated inside a Session.
type Channel interface {
	Label() string
	// Send queues data for delivery. Frames queued on one channel are
	// delivered in the order Send was called.
	Send(data []byte) error
	OnOpen(func())
	OnMessage(func([]byte))
	OnClose(func())
	Close() error
}

// MediaTrack is the part of a track exposed through a remote media surface.
type MediaTrack interface {
	ID() string
	Kind() protocol.MediaKind
}

// RemoteTrack is an inbound track delivered by a Session.
type RemoteTrack interface {
	MediaTrack
	// ReadRTP blocks until the next packet arrives or the track ends.
	ReadRTP() (*rtp.Packet, error)
}

// SessionFactory creates the Session for a new peer. Transport
// configuration (ICE servers and the like) is captured by the factory.
type SessionFactory func(peerID string) (Session, error)
