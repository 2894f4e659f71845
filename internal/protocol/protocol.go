// Package protocol defines the two wire formats of the mesh: the signaling
// envelope exchanged through the relay, and the side-channel frames carried
// over each peer's data channel.
package protocol

import (
	"github.com/pion/webrtc/v4"
)

// MediaKind identifies one of the two local media slots.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Kinds lists every media kind in announcement order.
var Kinds = []MediaKind{KindAudio, KindVideo}

// Valid reports whether k is audio or video.
func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// CodecType maps the kind onto pion's RTP codec type.
func (k MediaKind) CodecType() webrtc.RTPCodecType {
	switch k {
	case KindAudio:
		return webrtc.RTPCodecTypeAudio
	case KindVideo:
		return webrtc.RTPCodecTypeVideo
	}
	return 0
}

// KindOf is the inverse of CodecType.
func KindOf(t webrtc.RTPCodecType) (MediaKind, bool) {
	switch t {
	case webrtc.RTPCodecTypeAudio:
		return KindAudio, true
	case webrtc.RTPCodecTypeVideo:
		return KindVideo, true
	}
	return "", false
}
