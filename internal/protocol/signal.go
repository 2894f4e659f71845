package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalType identifies the kind of signaling message.
type SignalType string

const (
	SignalOffer      SignalType = "offer"
	SignalAnswer     SignalType = "answer"
	SignalCandidate  SignalType = "candidate"
	SignalDisconnect SignalType = "disconnect"

	// Relay-only kinds. They are never dispatched to a pool.
	SignalInit  SignalType = "init"
	SignalError SignalType = "error"
)

// GatheringState mirrors the sender's ICE gathering state at the time a
// candidate was emitted.
type GatheringState string

const (
	GatheringNew       GatheringState = "new"
	GatheringGathering GatheringState = "gathering"
	GatheringComplete  GatheringState = "complete"
)

// Valid reports whether s is one of the three known states.
func (s GatheringState) Valid() bool {
	switch s {
	case GatheringNew, GatheringGathering, GatheringComplete:
		return true
	}
	return false
}

// GatheringStateOf converts pion's gathering state.
func GatheringStateOf(s webrtc.ICEGatheringState) GatheringState {
	switch s {
	case webrtc.ICEGatheringStateGathering:
		return GatheringGathering
	case webrtc.ICEGatheringStateComplete:
		return GatheringComplete
	}
	return GatheringNew
}

var (
	ErrUnknownSignal   = errors.New("unknown signal type")
	ErrMalformedSignal = errors.New("malformed signal")
)

// Envelope is the JSON structure exchanged over the signaling socket.
type Envelope struct {
	Type SignalType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SessionDescription is the body of an offer or answer.
type SessionDescription struct {
	SDP string `json:"sdp"`
}

// CandidateInfo is a trickled candidate plus the gathering state it was
// emitted in. Candidate is nil once gathering is complete.
type CandidateInfo struct {
	Candidate      *webrtc.ICECandidateInit `json:"candidate"`
	GatheringState GatheringState           `json:"gatheringState"`
}

// Signal is the closed set of signaling messages. The unexported method keeps
// implementations inside this package, so a type switch over the types below
// is exhaustive.
type Signal interface {
	Type() SignalType
	signal()
}

type Offer struct {
	PeerID string             `json:"peerId"`
	Offer  SessionDescription `json:"offer"`
}

type Answer struct {
	PeerID string             `json:"peerId"`
	Answer SessionDescription `json:"answer"`
}

type Candidate struct {
	PeerID string `json:"peerId"`
	CandidateInfo
}

type Disconnect struct {
	PeerID string `json:"peerId"`
}

// Init is sent by the relay right after a connection joins.
type Init struct {
	SelfID  string   `json:"selfId"`
	PeerIDs []string `json:"peerIds"`
}

// Error is sent by the relay when a message could not be routed.
type Error struct {
	PeerID  string `json:"peerId,omitempty"`
	Message string `json:"message"`
}

func (Offer) Type() SignalType      { return SignalOffer }
func (Answer) Type() SignalType     { return SignalAnswer }
func (Candidate) Type() SignalType  { return SignalCandidate }
func (Disconnect) Type() SignalType { return SignalDisconnect }
func (Init) Type() SignalType       { return SignalInit }
func (Error) Type() SignalType      { return SignalError }

func (Offer) signal()      {}
func (Answer) signal()     {}
func (Candidate) signal()  {}
func (Disconnect) signal() {}
func (Init) signal()       {}
func (Error) signal()      {}

// EncodeSignal wraps sig into an envelope and serializes it.
func EncodeSignal(sig Signal) ([]byte, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: sig.Type(), Data: data})
}

// DecodeSignal parses one envelope. Shape checks are limited to what the
// receiver needs to route the message; peer id validation is left to the pool.
func DecodeSignal(raw []byte) (Signal, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	return env.Decode()
}

// Decode parses the envelope's data according to its type.
func (env Envelope) Decode() (Signal, error) {
	switch env.Type {
	case SignalOffer:
		var s Offer
		if err := decodeData(env, &s); err != nil {
			return nil, err
		}
		return s, nil

	case SignalAnswer:
		var s Answer
		if err := decodeData(env, &s); err != nil {
			return nil, err
		}
		return s, nil

	case SignalCandidate:
		var s Candidate
		if err := decodeData(env, &s); err != nil {
			return nil, err
		}
		if !s.GatheringState.Valid() {
			return nil, fmt.Errorf("%w: gathering state %q", ErrMalformedSignal, s.GatheringState)
		}
		if s.Candidate == nil && s.GatheringState != GatheringComplete {
			return nil, fmt.Errorf("%w: null candidate while %s", ErrMalformedSignal, s.GatheringState)
		}
		return s, nil

	case SignalDisconnect:
		var s Disconnect
		if err := decodeData(env, &s); err != nil {
			return nil, err
		}
		return s, nil

	case SignalInit:
		var s Init
		if err := decodeData(env, &s); err != nil {
			return nil, err
		}
		return s, nil

	case SignalError:
		var s Error
		// The relay may send a bare string.
		if err := json.Unmarshal(env.Data, &s.Message); err == nil {
			return s, nil
		}
		if err := decodeData(env, &s); err != nil {
			return nil, err
		}
		return s, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownSignal, env.Type)
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformedSignal, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedSignal, env.Type, err)
	}
	return nil
}
