package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/rtc"
)

// Compile-time interface checks.
var (
	_ rtc.Session     = (*fakeSession)(nil)
	_ rtc.Channel     = (*fakeChannel)(nil)
	_ rtc.RemoteTrack = (*fakeRemoteTrack)(nil)
	_ MediaSource     = (*fakeSource)(nil)
)

// ---------------------------------------------------------------------------
// fakeSession
// ---------------------------------------------------------------------------

// fakeSession implements rtc.Session in memory. It follows the signaling
// state machine closely enough for the pool to drive it, and records every
// candidate handed to it. Callbacks only fire when a test triggers them.
type fakeSession struct {
	mu        sync.Mutex
	peerID    string
	signaling webrtc.SignalingState
	gathering webrtc.ICEGatheringState
	remote    *webrtc.SessionDescription
	applied   []webrtc.ICECandidateInit
	tracks    map[protocol.MediaKind]webrtc.TrackLocal
	channels  []*fakeChannel
	closed    bool
	offers    int
	emptySDP  bool

	// Run before the step, outside mu, so they may close the peer.
	beforeCreateOffer func()
	beforeSetRemote   func()

	onNegotiationNeeded func()
	onTrack             func(rtc.RemoteTrack)
	onICECandidate      func(*webrtc.ICECandidateInit)
	onConnState         func(webrtc.PeerConnectionState)
	onDataChannel       func(rtc.Channel)
}

// errSessionClosed is what pion returns once the connection is closed.
var errSessionClosed = errors.New("InvalidStateError: connection closed")

func newFakeSession(peerID string) *fakeSession {
	return &fakeSession{
		peerID:    peerID,
		signaling: webrtc.SignalingStateStable,
		gathering: webrtc.ICEGatheringStateNew,
		tracks:    make(map[protocol.MediaKind]webrtc.TrackLocal),
	}
}

func (s *fakeSession) CreateOffer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	hook := s.beforeCreateOffer
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return webrtc.SessionDescription{}, errSessionClosed
	}
	if s.emptySDP {
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}, nil
	}
	s.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-%s-%d", s.peerID, s.offers),
	}, nil
}

func (s *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("create answer: no remote offer")
	}
	if s.emptySDP {
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer}, nil
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + s.peerID}, nil
}

func (s *fakeSession) SetLocalDescription(d webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}

	switch {
	case d.Type == webrtc.SDPTypeOffer && s.signaling == webrtc.SignalingStateStable:
		s.signaling = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && s.signaling == webrtc.SignalingStateHaveRemoteOffer:
		s.signaling = webrtc.SignalingStateStable
	case d.Type == webrtc.SDPTypeRollback && s.signaling == webrtc.SignalingStateHaveLocalOffer:
		s.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set local %s in %s", d.Type, s.signaling)
	}
	return nil
}

func (s *fakeSession) SetRemoteDescription(d webrtc.SessionDescription) error {
	s.mu.Lock()
	hook := s.beforeSetRemote
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}

	switch {
	case d.Type == webrtc.SDPTypeOffer && s.signaling == webrtc.SignalingStateStable:
		s.signaling = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && s.signaling == webrtc.SignalingStateHaveLocalOffer:
		s.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in %s", d.Type, s.signaling)
	}
	s.remote = &d
	return nil
}

func (s *fakeSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return errors.New("candidate before remote description")
	}
	s.applied = append(s.applied, c)
	return nil
}

func (s *fakeSession) SignalingState() webrtc.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaling
}

func (s *fakeSession) ICEGatheringState() webrtc.ICEGatheringState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gathering
}

func (s *fakeSession) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (s *fakeSession) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote != nil
}

func (s *fakeSession) SetTrack(kind protocol.MediaKind, track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[kind] = track
	return nil
}

func (s *fakeSession) HasTrack(kind protocol.MediaKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[kind] != nil
}

func (s *fakeSession) CreateDataChannel(label string) (rtc.Channel, error) {
	ch := &fakeChannel{label: label}
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch, nil
}

func (s *fakeSession) OnNegotiationNeeded(fn func()) {
	s.mu.Lock()
	s.onNegotiationNeeded = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnTrack(fn func(rtc.RemoteTrack)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onICECandidate = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onConnState = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnDataChannel(fn func(rtc.Channel)) {
	s.mu.Lock()
	s.onDataChannel = fn
	s.mu.Unlock()
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ── triggers ────────────────────────────────────────────────────────────────

func (s *fakeSession) fireConnState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	fn := s.onConnState
	s.mu.Unlock()
	fn(state)
}

func (s *fakeSession) fireNegotiationNeeded() {
	s.mu.Lock()
	fn := s.onNegotiationNeeded
	s.mu.Unlock()
	fn()
}

func (s *fakeSession) fireTrack(t rtc.RemoteTrack) {
	s.mu.Lock()
	fn := s.onTrack
	s.mu.Unlock()
	fn(t)
}

func (s *fakeSession) fireCandidate(c *webrtc.ICECandidateInit) {
	s.mu.Lock()
	if c == nil {
		s.gathering = webrtc.ICEGatheringStateComplete
	} else {
		s.gathering = webrtc.ICEGatheringStateGathering
	}
	fn := s.onICECandidate
	s.mu.Unlock()
	fn(c)
}

func (s *fakeSession) fireDataChannel(ch *fakeChannel) {
	s.mu.Lock()
	fn := s.onDataChannel
	s.mu.Unlock()
	fn(ch)
}

func (s *fakeSession) appliedCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.applied))
	for i, c := range s.applied {
		out[i] = c.Candidate
	}
	return out
}

func (s *fakeSession) channel(t *testing.T) *fakeChannel {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 {
		t.Fatalf("session %s has no data channel", s.peerID)
	}
	return s.channels[0]
}

// ---------------------------------------------------------------------------
// fakeChannel
// ---------------------------------------------------------------------------

// fakeChannel records outgoing frames. Two linked channels deliver frames to
// each other synchronously, in send order.
type fakeChannel struct {
	label string

	mu        sync.Mutex
	sent      [][]byte
	open      bool
	closed    bool
	remote    *fakeChannel
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return io.ErrClosedPipe
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		remote.deliver(data)
	}
	return nil
}

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) fireOpen() {
	c.mu.Lock()
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) deliver(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// mediaStates decodes the media-state frames sent on c for kind.
func (c *fakeChannel) mediaStates(kind protocol.MediaKind) []bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []bool
	for _, raw := range c.sent {
		msg, err := protocol.DecodeChannelMessage(raw)
		if err != nil {
			continue
		}
		if ms, ok := msg.(protocol.MediaState); ok && ms.Kind == kind {
			out = append(out, ms.Enabled)
		}
	}
	return out
}

// linkChannels joins two channels back to back.
func linkChannels(a, b *fakeChannel) {
	a.mu.Lock()
	a.remote = b
	a.mu.Unlock()
	b.mu.Lock()
	b.remote = a
	b.mu.Unlock()
}

// ---------------------------------------------------------------------------
// fakeRemoteTrack
// ---------------------------------------------------------------------------

type fakeRemoteTrack struct {
	id   string
	kind protocol.MediaKind
	pkts chan *rtp.Packet
}

func newFakeRemoteTrack(id string, kind protocol.MediaKind) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: kind, pkts: make(chan *rtp.Packet)}
}

func (t *fakeRemoteTrack) ID() string               { return t.id }
func (t *fakeRemoteTrack) Kind() protocol.MediaKind { return t.kind }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.pkts
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

// ---------------------------------------------------------------------------
// fakeSource
// ---------------------------------------------------------------------------

// fakeSource hands out static sample tracks, or fails with err.
type fakeSource struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (s *fakeSource) Acquire(_ context.Context, kind protocol.MediaKind) (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.acquired++

	mime := webrtc.MimeTypeOpus
	if kind == protocol.KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		fmt.Sprintf("%s-%d", kind, s.acquired),
		"test",
	)
}

func (s *fakeSource) Release(webrtc.TrackLocal) {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
}

func (s *fakeSource) counts() (acquired, released int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired, s.released
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// fakeFactory builds fakeSessions and remembers them by peer id.
type fakeFactory struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	fail     map[string]error
	setup    map[string]func(*fakeSession)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		sessions: make(map[string]*fakeSession),
		fail:     make(map[string]error),
		setup:    make(map[string]func(*fakeSession)),
	}
}

func (f *fakeFactory) build(peerID string) (rtc.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[peerID]; err != nil {
		return nil, err
	}
	s := newFakeSession(peerID)
	if setup := f.setup[peerID]; setup != nil {
		setup(s)
	}
	f.sessions[peerID] = s
	return s, nil
}

func (f *fakeFactory) session(t *testing.T, peerID string) *fakeSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[peerID]
	if !ok {
		t.Fatalf("no session for %q", peerID)
	}
	return s
}

// newTestPool returns a pool over fake sessions plus its factory.
func newTestPool(t *testing.T, opts ...Option) (*Pool, *fakeFactory) {
	t.Helper()
	f := newFakeFactory()
	p := New(context.Background(), f.build, opts...)
	t.Cleanup(p.Close)
	return p, f
}

// recorder collects pool events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func record(p *Pool) *recorder {
	r := &recorder{notify: make(chan struct{}, 1)}
	p.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// eventsOf returns the recorded events of type E.
func eventsOf[E Event](r *recorder) []E {
	var out []E
	for _, ev := range r.all() {
		if e, ok := ev.(E); ok {
			out = append(out, e)
		}
	}
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func candidate(s string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: s}
}
