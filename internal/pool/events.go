package pool

import (
	"encoding/json"

	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/rtc"
)

// EventName is the wire-compatible name of a pool event.
type EventName string

const (
	EventError             EventName = "error"
	EventOffer             EventName = "offer"
	EventAnswer            EventName = "answer"
	EventCandidate         EventName = "candidate"
	EventConnection        EventName = "connection"
	EventDisconnect        EventName = "disconnect"
	EventMediaStream       EventName = "media-stream"
	EventTrackStateChanged EventName = "track-state-changed"
	EventMessage           EventName = "message"
)

// Event is the closed set of events a Pool emits to its listeners.
type Event interface {
	Name() EventName
	poolEvent()
}

// ErrorEvent carries a failure from a single peer's operation. PeerID is
// empty when the failure is not tied to a peer.
type ErrorEvent struct {
	PeerID string
	Err    error
}

// OfferEvent carries a local offer to forward to PeerID.
type OfferEvent struct {
	PeerID string
	Offer  protocol.SessionDescription
}

// AnswerEvent carries a local answer to forward to PeerID.
type AnswerEvent struct {
	PeerID string
	Answer protocol.SessionDescription
}

// CandidateEvent carries a local candidate to forward to PeerID.
type CandidateEvent struct {
	PeerID string
	Info   protocol.CandidateInfo
}

// ConnectionEvent fires once per peer, the first time it connects.
type ConnectionEvent struct {
	PeerID string
	Peer   Participant
}

// DisconnectEvent fires once per peer, when it is closed.
type DisconnectEvent struct {
	PeerID string
}

// MediaStreamEvent fires when a peer's remote media surface gains a track.
type MediaStreamEvent struct {
	PeerID string
	Tracks []rtc.MediaTrack
}

// TrackStateChangedEvent reports an enabled/disabled change. Local is set
// for the pool's own tracks, in which case PeerID is the pool's self id.
type TrackStateChangedEvent struct {
	PeerID  string
	Kind    protocol.MediaKind
	Enabled bool
	Local   bool
}

// MessageEvent carries a user payload received over a side channel.
type MessageEvent struct {
	PeerID string
	Data   json.RawMessage
}

func (ErrorEvent) Name() EventName             { return EventError }
func (OfferEvent) Name() EventName             { return EventOffer }
func (AnswerEvent) Name() EventName            { return EventAnswer }
func (CandidateEvent) Name() EventName         { return EventCandidate }
func (ConnectionEvent) Name() EventName        { return EventConnection }
func (DisconnectEvent) Name() EventName        { return EventDisconnect }
func (MediaStreamEvent) Name() EventName       { return EventMediaStream }
func (TrackStateChangedEvent) Name() EventName { return EventTrackStateChanged }
func (MessageEvent) Name() EventName           { return EventMessage }

func (ErrorEvent) poolEvent()             {}
func (OfferEvent) poolEvent()             {}
func (AnswerEvent) poolEvent()            {}
func (CandidateEvent) poolEvent()         {}
func (ConnectionEvent) poolEvent()        {}
func (DisconnectEvent) poolEvent()        {}
func (MediaStreamEvent) poolEvent()       {}
func (TrackStateChangedEvent) poolEvent() {}
func (MessageEvent) poolEvent()           {}

// On registers fn for events of type E only.
//
//	off := pool.On(p, func(ev pool.OfferEvent) { ... })
func On[E Event](p *Pool, fn func(E)) (off func()) {
	return p.Subscribe(func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}
