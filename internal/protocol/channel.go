package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ChannelLabel is the data channel label used for side-channel frames.
const ChannelLabel = "public"

// ChannelType identifies a side-channel frame.
type ChannelType string

const (
	ChannelMediaState  ChannelType = "mediastate"
	ChannelUserMessage ChannelType = "usermessage"
)

var ErrMalformedFrame = errors.New("malformed side-channel frame")

// ChannelMessage is the closed set of side-channel frames.
type ChannelMessage interface {
	ChannelType() ChannelType
	channelMessage()
}

// MediaState announces whether the sender's track of Kind is enabled.
type MediaState struct {
	Kind    MediaKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// UserMessage carries an opaque application payload.
type UserMessage struct {
	Data json.RawMessage
}

func (MediaState) ChannelType() ChannelType  { return ChannelMediaState }
func (UserMessage) ChannelType() ChannelType { return ChannelUserMessage }

func (MediaState) channelMessage()  {}
func (UserMessage) channelMessage() {}

type frame struct {
	Type ChannelType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// mediaStateWire uses pointers so a missing field is distinguishable from a
// zero value.
type mediaStateWire struct {
	Kind    *MediaKind `json:"kind"`
	Enabled *bool      `json:"enabled"`
}

// EncodeChannelMessage serializes one frame.
func EncodeChannelMessage(msg ChannelMessage) ([]byte, error) {
	var data []byte
	switch m := msg.(type) {
	case MediaState:
		if !m.Kind.Valid() {
			return nil, fmt.Errorf("%w: kind %q", ErrMalformedFrame, m.Kind)
		}
		var err error
		if data, err = json.Marshal(m); err != nil {
			return nil, err
		}
	case UserMessage:
		if !validPayload(m.Data) {
			return nil, fmt.Errorf("%w: empty user payload", ErrMalformedFrame)
		}
		data = m.Data
	default:
		return nil, fmt.Errorf("%w: %T", ErrMalformedFrame, msg)
	}
	return json.Marshal(frame{Type: msg.ChannelType(), Data: data})
}

// NewUserMessage marshals v into a user message.
func NewUserMessage(v any) (UserMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return UserMessage{}, err
	}
	if !validPayload(data) {
		return UserMessage{}, fmt.Errorf("%w: empty user payload", ErrMalformedFrame)
	}
	return UserMessage{Data: data}, nil
}

// DecodeChannelMessage parses one frame. Any error means the frame must be
// dropped; receivers never surface it.
func DecodeChannelMessage(raw []byte) (ChannelMessage, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case ChannelMediaState:
		var w mediaStateWire
		if err := json.Unmarshal(f.Data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if w.Kind == nil || !w.Kind.Valid() || w.Enabled == nil {
			return nil, fmt.Errorf("%w: bad media state", ErrMalformedFrame)
		}
		return MediaState{Kind: *w.Kind, Enabled: *w.Enabled}, nil

	case ChannelUserMessage:
		if !validPayload(f.Data) {
			return nil, fmt.Errorf("%w: empty user payload", ErrMalformedFrame)
		}
		return UserMessage{Data: f.Data}, nil
	}

	return nil, fmt.Errorf("%w: type %q", ErrMalformedFrame, f.Type)
}

func validPayload(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
