package pool

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/rtc"
	"github.com/1ureka/rtcpool/internal/util"
)

// Participant is a member of the pool: a negotiated *Peer or a local-only
// *AbstractPeer.
type Participant interface {
	ID() string
	Abstract() bool
	// RemoteMedia returns the tracks currently on the participant's remote
	// media surface, audio first.
	RemoteMedia() []rtc.MediaTrack
	RemoteMediaEnabled(kind protocol.MediaKind) bool
	SendMessage(v any) error
	Close()

	setLocalTrack(kind protocol.MediaKind, track webrtc.TrackLocal) error
	setRemoteMuted(kind protocol.MediaKind, muted bool)
}

// peerOwner receives participants' internal events. *Pool implements it; the
// participant never emits pool events itself.
type peerOwner interface {
	localTrack(kind protocol.MediaKind) webrtc.TrackLocal
	peerConnected(p Participant)
	peerClosed(p Participant)
	candidateDiscovered(p *Peer, info protocol.CandidateInfo)
	negotiationNeeded(p *Peer)
	remoteMediaChanged(p Participant)
	trackStateChanged(p Participant, kind protocol.MediaKind, enabled bool)
	messageReceived(p Participant, data json.RawMessage)
	remoteRTP(p *Peer, kind protocol.MediaKind, pkt *rtp.Packet)
}

// Peer owns the negotiation state of one remote participant: its session,
// the buffer of remote candidates that arrived too early, the side channel
// and the remote media surface.
type Peer struct {
	id      string
	session rtc.Session
	owner   peerOwner

	ctx    context.Context
	cancel context.CancelFunc

	// candMu guards the candidate buffer. Candidates are applied while it is
	// held, so a direct apply can never overtake a flush in progress.
	candMu          sync.Mutex
	candidates      []webrtc.ICECandidateInit
	flushed         bool
	remoteGathering protocol.GatheringState

	mu            sync.Mutex
	closed        bool
	connectedOnce bool
	channel       rtc.Channel   // channel used for sending
	channels      []rtc.Channel // every side channel seen, for Close
	channelOpen   bool
	localOffer    string // last offer set as local description
	localEnabled  map[protocol.MediaKind]bool
	inbound       map[protocol.MediaKind]rtc.RemoteTrack
	remoteEnabled map[protocol.MediaKind]bool
	muted         map[protocol.MediaKind]bool
}

// peerState is the pool state a new peer starts from.
type peerState struct {
	localEnabled map[protocol.MediaKind]bool
	muted        map[protocol.MediaKind]bool
}

func newPeer(ctx context.Context, id string, session rtc.Session, owner peerOwner, state peerState) *Peer {
	pctx, cancel := context.WithCancel(ctx)

	p := &Peer{
		id:              id,
		session:         session,
		owner:           owner,
		ctx:             pctx,
		cancel:          cancel,
		remoteGathering: protocol.GatheringNew,
		localEnabled:    make(map[protocol.MediaKind]bool),
		inbound:         make(map[protocol.MediaKind]rtc.RemoteTrack),
		remoteEnabled:   make(map[protocol.MediaKind]bool),
		muted:           make(map[protocol.MediaKind]bool),
	}
	for _, kind := range protocol.Kinds {
		p.localEnabled[kind] = state.localEnabled[kind]
		p.muted[kind] = state.muted[kind]
	}

	session.OnNegotiationNeeded(p.handleNegotiationNeeded)
	session.OnTrack(p.handleTrack)
	session.OnICECandidate(p.handleICECandidate)
	session.OnConnectionStateChange(p.handleConnectionState)
	session.OnDataChannel(p.handleDataChannel)

	return p
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (p *Peer) ID() string     { return p.id }
func (p *Peer) Abstract() bool { return false }

// HasConnectedOnce reports whether the session has reached "connected" at
// least once.
func (p *Peer) HasConnectedOnce() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedOnce
}

func (p *Peer) SignalingState() webrtc.SignalingState       { return p.session.SignalingState() }
func (p *Peer) ConnectionState() webrtc.PeerConnectionState { return p.session.ConnectionState() }

// CandidatesFlushed reports whether the candidate buffer has been drained.
func (p *Peer) CandidatesFlushed() bool {
	p.candMu.Lock()
	defer p.candMu.Unlock()
	return p.flushed
}

// PendingCandidates returns the number of buffered remote candidates.
func (p *Peer) PendingCandidates() int {
	p.candMu.Lock()
	defer p.candMu.Unlock()
	return len(p.candidates)
}

// RemoteGatheringState is the last gathering state the remote reported.
func (p *Peer) RemoteGatheringState() protocol.GatheringState {
	p.candMu.Lock()
	defer p.candMu.Unlock()
	return p.remoteGathering
}

func (p *Peer) RemoteMedia() []rtc.MediaTrack {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tracks []rtc.MediaTrack
	for _, kind := range protocol.Kinds {
		if t := p.surfaceLocked(kind); t != nil {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

func (p *Peer) RemoteMediaEnabled(kind protocol.MediaKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surfaceLocked(kind) != nil
}

// RemoteMediaMuted reports whether playback of the remote track of kind is
// muted on this side.
func (p *Peer) RemoteMediaMuted(kind protocol.MediaKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted[kind]
}

// LocalMediaEnabled reports what this peer last announced for kind.
func (p *Peer) LocalMediaEnabled(kind protocol.MediaKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localEnabled[kind]
}

// surfaceLocked returns the inbound track of kind when the remote last
// announced it as enabled. The inbound track is kept either way so that a
// later re-enable needs no renegotiation.
func (p *Peer) surfaceLocked(kind protocol.MediaKind) rtc.RemoteTrack {
	if !p.remoteEnabled[kind] {
		return nil
	}
	return p.inbound[kind]
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// negotiationErr wraps a failed step. A peer closed while the step was in
// flight reports ErrPeerClosed instead, and the pool drops the result.
func (p *Peer) negotiationErr(op string, err error) error {
	if p.isClosed() {
		return ErrPeerClosed
	}
	return &NegotiationError{PeerID: p.id, Op: op, Err: err}
}

// pendingOffer returns the SDP of the last local offer.
func (p *Peer) pendingOffer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localOffer
}

// createOffer opens the side channel if needed, attaches the pool's local
// tracks, and sets a fresh offer as local description.
func (p *Peer) createOffer() (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription

	if err := p.ensureChannel(); err != nil {
		if err == ErrPeerClosed {
			return none, err
		}
		return none, p.negotiationErr("create data channel", err)
	}
	if err := p.attachLocalTracks(); err != nil {
		return none, p.negotiationErr("attach tracks", err)
	}

	offer, err := p.session.CreateOffer()
	if err != nil {
		return none, p.negotiationErr("create offer", err)
	}
	if offer.SDP == "" {
		return none, p.negotiationErr("create offer", errNoSDP)
	}
	if p.isClosed() {
		return none, ErrPeerClosed
	}
	if err := p.session.SetLocalDescription(offer); err != nil {
		return none, p.negotiationErr("set local offer", err)
	}

	p.mu.Lock()
	closed := p.closed
	p.localOffer = offer.SDP
	p.mu.Unlock()
	if closed {
		return none, ErrPeerClosed
	}

	util.LogPeerDebug(p.id, "local offer set")
	return offer, nil
}

// acceptOffer answers a remote offer. Callers hold the pool's negotiation
// lock.
//
// Glare: when a local offer is outstanding, a polite peer rolls it back and
// answers; an impolite peer keeps its offer and returns errGlareIgnored.
func (p *Peer) acceptOffer(offer protocol.SessionDescription, polite bool) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription

	if p.isClosed() {
		return none, ErrPeerClosed
	}

	if p.session.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !polite {
			return none, errGlareIgnored
		}
		util.LogPeerDebug(p.id, "glare: rolling back local offer")
		if err := p.session.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return none, p.negotiationErr("rollback", err)
		}
	}

	if err := p.session.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return none, p.negotiationErr("set remote offer", err)
	}
	if err := p.attachLocalTracks(); err != nil {
		return none, p.negotiationErr("attach tracks", err)
	}

	answer, err := p.session.CreateAnswer()
	if err != nil {
		return none, p.negotiationErr("create answer", err)
	}
	if answer.SDP == "" {
		return none, p.negotiationErr("create answer", errNoSDP)
	}
	if p.isClosed() {
		return none, ErrPeerClosed
	}
	if err := p.session.SetLocalDescription(answer); err != nil {
		return none, p.negotiationErr("set local answer", err)
	}
	if p.isClosed() {
		return none, ErrPeerClosed
	}

	if p.RemoteGatheringState() == protocol.GatheringComplete {
		p.flushCandidates()
	}

	util.LogPeerDebug(p.id, "local answer set")
	return answer, nil
}

// acceptAnswer applies the remote answer to our outstanding offer.
func (p *Peer) acceptAnswer(answer protocol.SessionDescription) error {
	if p.isClosed() {
		return ErrPeerClosed
	}

	if err := p.session.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return p.negotiationErr("set remote answer", err)
	}
	if p.isClosed() {
		return ErrPeerClosed
	}

	if p.RemoteGatheringState() == protocol.GatheringComplete {
		p.flushCandidates()
	}

	util.LogPeerDebug(p.id, "remote answer set")
	return nil
}

// addCandidate records the remote gathering state and buffers the candidate.
// A completion report flushes the buffer once the remote description is in
// place. After the flush, later candidates are applied directly. Callers
// hold the pool's negotiation lock.
func (p *Peer) addCandidate(info protocol.CandidateInfo) error {
	if p.isClosed() {
		return ErrPeerClosed
	}

	p.candMu.Lock()
	defer p.candMu.Unlock()

	p.remoteGathering = info.GatheringState

	if info.Candidate != nil {
		if p.flushed {
			p.applyLocked([]webrtc.ICECandidateInit{*info.Candidate})
		} else {
			p.candidates = append(p.candidates, *info.Candidate)
		}
	}

	if info.GatheringState == protocol.GatheringComplete && p.descriptionExchanged() {
		p.flushLocked()
	}
	return nil
}

// descriptionExchanged reports whether candidates may be applied now.
func (p *Peer) descriptionExchanged() bool {
	if !p.session.HasRemoteDescription() {
		return false
	}
	switch p.session.SignalingState() {
	case webrtc.SignalingStateHaveRemoteOffer,
		webrtc.SignalingStateHaveRemotePranswer,
		webrtc.SignalingStateStable:
		return true
	}
	return false
}

// flushCandidates drains the buffer into the session in arrival order and
// returns how many candidates were applied. Calling it again is a no-op.
func (p *Peer) flushCandidates() int {
	p.candMu.Lock()
	defer p.candMu.Unlock()
	return p.flushLocked()
}

func (p *Peer) flushLocked() int {
	if p.flushed {
		return 0
	}
	pending := p.candidates
	p.candidates = nil
	p.flushed = true

	n := p.applyLocked(pending)
	util.LogPeerDebug(p.id, "flushed %d/%d buffered candidates", n, len(pending))
	return n
}

func (p *Peer) applyLocked(candidates []webrtc.ICECandidateInit) int {
	applied := 0
	for _, c := range candidates {
		if err := p.session.AddICECandidate(c); err != nil {
			util.LogWarning("peer %s: add candidate %q: %v", p.id, c.Candidate, err)
			continue
		}
		applied++
	}
	util.Stats.AddCandidates(applied)
	return applied
}

// attachLocalTracks adds every present pool track the session does not carry
// yet.
func (p *Peer) attachLocalTracks() error {
	for _, kind := range protocol.Kinds {
		track := p.owner.localTrack(kind)
		if track == nil || p.session.HasTrack(kind) {
			continue
		}
		if err := p.session.SetTrack(kind, track); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Side channel
// ---------------------------------------------------------------------------

func (p *Peer) ensureChannel() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	if p.channel != nil {
		p.mu.Unlock()
		return nil
	}
	ch, err := p.session.CreateDataChannel(protocol.ChannelLabel)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.channel = ch
	p.channels = append(p.channels, ch)
	p.mu.Unlock()

	p.wireChannel(ch)
	return nil
}

func (p *Peer) wireChannel(ch rtc.Channel) {
	ch.OnOpen(func() { p.channelOpened(ch) })
	ch.OnMessage(p.handleFrame)
	ch.OnClose(func() {
		p.mu.Lock()
		if p.channel == ch {
			p.channelOpen = false
		}
		p.mu.Unlock()
	})
}

// channelOpened announces the current state of both local kinds.
func (p *Peer) channelOpened(ch rtc.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.channel != ch {
		return
	}
	p.channelOpen = true
	util.LogPeerDebug(p.id, "side channel open")

	for _, kind := range protocol.Kinds {
		if err := p.sendLocked(protocol.MediaState{Kind: kind, Enabled: p.localEnabled[kind]}); err != nil {
			util.LogWarning("peer %s: announce %s: %v", p.id, kind, err)
		}
	}
}

func (p *Peer) sendLocked(msg protocol.ChannelMessage) error {
	if !p.channelOpen || p.channel == nil {
		return ErrChannelNotReady
	}
	data, err := protocol.EncodeChannelMessage(msg)
	if err != nil {
		return err
	}
	if err := p.channel.Send(data); err != nil {
		return err
	}
	util.Stats.AddFrameSent()
	return nil
}

// handleFrame applies one inbound side-channel frame. Malformed frames are
// dropped.
func (p *Peer) handleFrame(data []byte) {
	msg, err := protocol.DecodeChannelMessage(data)
	if err != nil {
		util.LogPeerDebug(p.id, "dropped side-channel frame: %v", err)
		return
	}
	util.Stats.AddFrameRecv()

	switch m := msg.(type) {
	case protocol.MediaState:
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.remoteEnabled[m.Kind] = m.Enabled
		p.mu.Unlock()
		p.owner.trackStateChanged(p, m.Kind, m.Enabled)

	case protocol.UserMessage:
		if p.isClosed() {
			return
		}
		p.owner.messageReceived(p, m.Data)
	}
}

// SendMessage sends v as a user message over the side channel.
func (p *Peer) SendMessage(v any) error {
	msg, err := protocol.NewUserMessage(v)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	return p.sendLocked(msg)
}

// setLocalTrack replaces the outgoing track of kind (nil disables it) and
// announces the new state to the remote.
func (p *Peer) setLocalTrack(kind protocol.MediaKind, track webrtc.TrackLocal) error {
	if p.isClosed() {
		return ErrPeerClosed
	}

	enabled := track != nil
	if enabled || p.session.HasTrack(kind) {
		if err := p.session.SetTrack(kind, track); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	p.localEnabled[kind] = enabled
	if !p.channelOpen {
		// Announced when the channel opens.
		return nil
	}
	return p.sendLocked(protocol.MediaState{Kind: kind, Enabled: enabled})
}

func (p *Peer) setRemoteMuted(kind protocol.MediaKind, muted bool) {
	p.mu.Lock()
	p.muted[kind] = muted
	p.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Session callbacks
// ---------------------------------------------------------------------------

// handleNegotiationNeeded re-offers only after the first connection. Before
// that the signal comes from the initial track and transceiver setup and
// would make both sides offer in a loop.
func (p *Peer) handleNegotiationNeeded() {
	if p.isClosed() {
		return
	}
	if !p.HasConnectedOnce() {
		util.LogPeerDebug(p.id, "negotiation-needed before first connection, ignored")
		return
	}
	p.owner.negotiationNeeded(p)
}

func (p *Peer) handleTrack(t rtc.RemoteTrack) {
	kind := t.Kind()
	if !kind.Valid() {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.inbound[kind] = t
	visible := p.remoteEnabled[kind]
	p.mu.Unlock()

	util.LogPeerDebug(p.id, "remote %s track %s", kind, t.ID())
	go p.readTrack(kind, t)
	if visible {
		p.owner.remoteMediaChanged(p)
	}
}

// readTrack pumps RTP from t to the owner until the track ends, is replaced,
// or the peer closes. Muted packets are read and discarded.
func (p *Peer) readTrack(kind protocol.MediaKind, t rtc.RemoteTrack) {
	for {
		pkt, err := t.ReadRTP()
		if err != nil {
			return
		}
		if p.ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		current := p.inbound[kind] == t
		muted := p.muted[kind]
		p.mu.Unlock()

		if !current {
			return
		}
		if muted {
			continue
		}
		util.Stats.AddRTPRecv(len(pkt.Payload))
		p.owner.remoteRTP(p, kind, pkt)
	}
}

func (p *Peer) handleICECandidate(c *webrtc.ICECandidateInit) {
	if p.isClosed() {
		return
	}
	state := protocol.GatheringStateOf(p.session.ICEGatheringState())
	if c == nil {
		state = protocol.GatheringComplete
	}
	p.owner.candidateDiscovered(p, protocol.CandidateInfo{Candidate: c, GatheringState: state})
}

func (p *Peer) handleConnectionState(state webrtc.PeerConnectionState) {
	util.LogPeerDebug(p.id, "connection state: %s", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.mu.Lock()
		if p.closed || p.connectedOnce {
			p.mu.Unlock()
			return
		}
		p.connectedOnce = true
		p.mu.Unlock()
		p.owner.peerConnected(p)

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		p.Close()
	}
}

func (p *Peer) handleDataChannel(ch rtc.Channel) {
	if ch.Label() != protocol.ChannelLabel {
		util.LogPeerDebug(p.id, "ignoring data channel %q", ch.Label())
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ch.Close()
		return
	}
	if p.channel == nil {
		p.channel = ch
	}
	p.channels = append(p.channels, ch)
	p.mu.Unlock()

	p.wireChannel(ch)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close tears the peer down: remote tracks stop, the side channel and the
// session close, and the pool emits a disconnect event. Only the first call
// has any effect; operations still in flight observe the peer as closed.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	channels := p.channels
	p.channels = nil
	p.channel = nil
	p.channelOpen = false
	p.inbound = make(map[protocol.MediaKind]rtc.RemoteTrack)
	p.mu.Unlock()

	p.cancel()
	for _, ch := range channels {
		_ = ch.Close()
	}
	if err := p.session.Close(); err != nil {
		util.LogPeerDebug(p.id, "session close: %v", err)
	}

	p.owner.peerClosed(p)
}
