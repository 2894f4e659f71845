package pool

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/rtc"
	"github.com/1ureka/rtcpool/internal/util"
)

// AbstractPeer is a participant without a transport, such as a self view or
// a test participant. Its media surface is driven by local calls instead of
// the side channel: it mirrors the pool's local tracks and can capture
// tracks of its own.
type AbstractPeer struct {
	id    string
	owner peerOwner
	media MediaSource

	mu       sync.Mutex
	closed   bool
	mirrored map[protocol.MediaKind]webrtc.TrackLocal // pool fan-out
	captured map[protocol.MediaKind]webrtc.TrackLocal // own captures
	hidden   map[protocol.MediaKind]bool
	reported map[protocol.MediaKind]bool // last surface state sent to the owner
}

func newAbstractPeer(id string, owner peerOwner, media MediaSource, state peerState, local map[protocol.MediaKind]webrtc.TrackLocal) *AbstractPeer {
	a := &AbstractPeer{
		id:       id,
		owner:    owner,
		media:    media,
		mirrored: make(map[protocol.MediaKind]webrtc.TrackLocal),
		captured: make(map[protocol.MediaKind]webrtc.TrackLocal),
		hidden:   make(map[protocol.MediaKind]bool),
		reported: make(map[protocol.MediaKind]bool),
	}
	for _, kind := range protocol.Kinds {
		a.mirrored[kind] = local[kind]
		a.hidden[kind] = state.muted[kind]
		a.reported[kind] = a.surfaceLocked(kind) != nil
	}
	return a
}

func (a *AbstractPeer) ID() string     { return a.id }
func (a *AbstractPeer) Abstract() bool { return true }

// surfaceLocked prefers the peer's own capture over the mirrored pool track.
func (a *AbstractPeer) surfaceLocked(kind protocol.MediaKind) webrtc.TrackLocal {
	if a.hidden[kind] {
		return nil
	}
	if t := a.captured[kind]; t != nil {
		return t
	}
	return a.mirrored[kind]
}

func (a *AbstractPeer) RemoteMedia() []rtc.MediaTrack {
	a.mu.Lock()
	defer a.mu.Unlock()

	var tracks []rtc.MediaTrack
	for _, kind := range protocol.Kinds {
		if t := a.surfaceLocked(kind); t != nil {
			tracks = append(tracks, localTrack{track: t, kind: kind})
		}
	}
	return tracks
}

func (a *AbstractPeer) RemoteMediaEnabled(kind protocol.MediaKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.surfaceLocked(kind) != nil
}

// LocalMediaEnabled reports whether the peer holds a capture of its own.
func (a *AbstractPeer) LocalMediaEnabled(kind protocol.MediaKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.captured[kind] != nil
}

// SetLocalMedia captures (enabled) or releases the peer's own track of kind.
// A capture failure returns a *MediaAcquisitionError and changes nothing.
func (a *AbstractPeer) SetLocalMedia(ctx context.Context, kind protocol.MediaKind, enabled bool) error {
	if err := validateKind(kind); err != nil {
		return err
	}
	if a.LocalMediaEnabled(kind) == enabled {
		return nil
	}

	if !enabled {
		a.mu.Lock()
		track := a.captured[kind]
		delete(a.captured, kind)
		a.mu.Unlock()
		a.release(track)
		a.surfaceChanged(kind)
		return nil
	}

	track, err := acquireTrack(ctx, a.media, kind)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed || a.captured[kind] != nil {
		closed := a.closed
		a.mu.Unlock()
		a.release(track)
		if closed {
			return ErrPeerClosed
		}
		return nil
	}
	a.captured[kind] = track
	a.mu.Unlock()

	a.surfaceChanged(kind)
	return nil
}

// ToggleLocalMedia negates LocalMediaEnabled(kind).
func (a *AbstractPeer) ToggleLocalMedia(ctx context.Context, kind protocol.MediaKind) error {
	return a.SetLocalMedia(ctx, kind, !a.LocalMediaEnabled(kind))
}

// SetRemoteMedia shows or hides the surface track of kind. Showing a kind
// that has nothing to mirror captures a track through the media source.
func (a *AbstractPeer) SetRemoteMedia(ctx context.Context, kind protocol.MediaKind, enabled bool) error {
	if err := validateKind(kind); err != nil {
		return err
	}

	a.mu.Lock()
	needCapture := enabled && a.captured[kind] == nil && a.mirrored[kind] == nil
	a.mu.Unlock()

	if needCapture {
		if err := a.SetLocalMedia(ctx, kind, true); err != nil {
			return err
		}
	}

	a.setRemoteMuted(kind, !enabled)
	a.surfaceChanged(kind)
	return nil
}

// ToggleRemoteMedia negates RemoteMediaEnabled(kind).
func (a *AbstractPeer) ToggleRemoteMedia(ctx context.Context, kind protocol.MediaKind) error {
	return a.SetRemoteMedia(ctx, kind, !a.RemoteMediaEnabled(kind))
}

// SendMessage loops the payload back to the pool as if the participant had
// sent it.
func (a *AbstractPeer) SendMessage(v any) error {
	msg, err := protocol.NewUserMessage(v)
	if err != nil {
		return err
	}
	if a.isClosed() {
		return ErrPeerClosed
	}
	a.owner.messageReceived(a, msg.Data)
	return nil
}

func (a *AbstractPeer) setLocalTrack(kind protocol.MediaKind, track webrtc.TrackLocal) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrPeerClosed
	}
	a.mirrored[kind] = track
	a.mu.Unlock()

	a.surfaceChanged(kind)
	return nil
}

func (a *AbstractPeer) setRemoteMuted(kind protocol.MediaKind, muted bool) {
	a.mu.Lock()
	a.hidden[kind] = muted
	a.mu.Unlock()
}

// surfaceChanged reports the surface state of kind the way a negotiated
// peer reports a side-channel announcement.
func (a *AbstractPeer) surfaceChanged(kind protocol.MediaKind) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	enabled := a.surfaceLocked(kind) != nil
	if a.reported[kind] == enabled {
		a.mu.Unlock()
		return
	}
	a.reported[kind] = enabled
	a.mu.Unlock()

	a.owner.trackStateChanged(a, kind, enabled)
}

func (a *AbstractPeer) release(track webrtc.TrackLocal) {
	if track != nil && a.media != nil {
		a.media.Release(track)
	}
}

func (a *AbstractPeer) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close releases the peer's own captures and removes it from the pool.
// Mirrored pool tracks are left alone.
func (a *AbstractPeer) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	captured := a.captured
	a.captured = make(map[protocol.MediaKind]webrtc.TrackLocal)
	a.mirrored = make(map[protocol.MediaKind]webrtc.TrackLocal)
	a.mu.Unlock()

	for _, track := range captured {
		a.release(track)
	}
	util.LogPeerDebug(a.id, "abstract peer closed")
	a.owner.peerClosed(a)
}
