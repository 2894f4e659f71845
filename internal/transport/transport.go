package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/rtc"
	"github.com/1ureka/rtcpool/internal/util"
)

var _ rtc.Session = (*Transport)(nil)

// Transport is the rtc.Session of one remote peer, backed by a single
// PeerConnection. It keeps at most one RTP sender per media kind so that
// turning media off and on again replaces the sender's track in place
// instead of renegotiating.
type Transport struct {
	peerID string
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[protocol.MediaKind]*webrtc.RTPSender
	active  map[protocol.MediaKind]bool
}

func newTransport(peerID string, pc *webrtc.PeerConnection) *Transport {
	return &Transport{
		peerID:  peerID,
		pc:      pc,
		senders: make(map[protocol.MediaKind]*webrtc.RTPSender),
		active:  make(map[protocol.MediaKind]bool),
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *Transport) SignalingState() webrtc.SignalingState       { return t.pc.SignalingState() }
func (t *Transport) ICEGatheringState() webrtc.ICEGatheringState { return t.pc.ICEGatheringState() }
func (t *Transport) ConnectionState() webrtc.PeerConnectionState { return t.pc.ConnectionState() }
func (t *Transport) HasRemoteDescription() bool                  { return t.pc.RemoteDescription() != nil }

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// SetTrack adds a sender for kind on first use and replaces its track
// afterwards. A nil track silences the sender.
func (t *Transport) SetTrack(kind protocol.MediaKind, track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.senders[kind]; ok {
		if err := s.ReplaceTrack(track); err != nil {
			return err
		}
		t.active[kind] = track != nil
		return nil
	}

	if track == nil {
		return nil
	}

	s, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	t.senders[kind] = s
	t.active[kind] = true

	go drainRTCP(s)
	return nil
}

func (t *Transport) HasTrack(kind protocol.MediaKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[kind]
}

// drainRTCP reads the sender's RTCP so the interceptors see it. It returns
// when the sender is stopped.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Data channels
// ---------------------------------------------------------------------------

// CreateDataChannel opens a reliable, ordered channel.
func (t *Transport) CreateDataChannel(label string) (rtc.Channel, error) {
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return newChannel(dc), nil
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

func (t *Transport) OnNegotiationNeeded(fn func()) {
	t.pc.OnNegotiationNeeded(fn)
}

func (t *Transport) OnTrack(fn func(rtc.RemoteTrack)) {
	t.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind, ok := protocol.KindOf(tr.Kind())
		if !ok {
			util.LogPeerDebug(t.peerID, "ignoring remote track of type %s", tr.Kind())
			return
		}
		fn(&remoteTrack{tr: tr, kind: kind})
	})
}

func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		candidate := c.ToJSON()
		fn(&candidate)
	})
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *Transport) OnDataChannel(fn func(rtc.Channel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(newChannel(dc))
	})
}

// Close shuts the PeerConnection down. Its data channels and senders close
// with it.
func (t *Transport) Close() error {
	return t.pc.Close()
}
