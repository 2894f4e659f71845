package transport

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/protocol"
)

// remoteTrack adapts a pion TrackRemote to rtc.RemoteTrack.
type remoteTrack struct {
	tr   *webrtc.TrackRemote
	kind protocol.MediaKind
}

func (r *remoteTrack) ID() string               { return r.tr.ID() }
func (r *remoteTrack) Kind() protocol.MediaKind { return r.kind }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.tr.ReadRTP()
	return pkt, err
}
