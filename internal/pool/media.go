package pool

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/rtc"
)

// MediaSource is the media-capture collaborator. Acquire returns a live local
// track of the given kind; errors wrapping ErrMediaDenied or
// ErrMediaUnavailable are expected and non-fatal. Release stops a track
// returned by Acquire.
type MediaSource interface {
	Acquire(ctx context.Context, kind protocol.MediaKind) (webrtc.TrackLocal, error)
	Release(track webrtc.TrackLocal)
}

// RemoteSink receives RTP packets of remote tracks that are not muted
// locally. It is called from one goroutine per remote track.
type RemoteSink func(peerID string, kind protocol.MediaKind, pkt *rtp.Packet)

// acquireTrack is the capture helper shared by Pool and AbstractPeer.
func acquireTrack(ctx context.Context, src MediaSource, kind protocol.MediaKind) (webrtc.TrackLocal, error) {
	if src == nil {
		return nil, &MediaAcquisitionError{Kind: kind, Err: ErrMediaUnavailable}
	}
	track, err := src.Acquire(ctx, kind)
	if err != nil {
		return nil, &MediaAcquisitionError{Kind: kind, Err: err}
	}
	if track == nil {
		return nil, &MediaAcquisitionError{Kind: kind, Err: ErrMediaUnavailable}
	}
	return track, nil
}

// localTrack presents a local track as a media-surface entry. Abstract peers
// mirror local tracks this way.
type localTrack struct {
	track webrtc.TrackLocal
	kind  protocol.MediaKind
}

var _ rtc.MediaTrack = localTrack{}

func (t localTrack) ID() string               { return t.track.ID() }
func (t localTrack) Kind() protocol.MediaKind { return t.kind }
