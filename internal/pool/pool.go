// Package pool manages a mesh of peer sessions: it turns an inbound
// signaling feed into ordered negotiation steps per peer, fans local media
// changes out to every peer, and reports everything through one event
// stream.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/event"
	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/rtc"
	"github.com/1ureka/rtcpool/internal/util"
)

// Pool owns the peer collection of one room and the local media slots.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	factory rtc.SessionFactory
	media   MediaSource
	sink    RemoteSink

	lock   *negotiationLock
	events event.Emitter[Event]

	// mediaMu serializes local media toggles so acquire, fan-out and
	// release of one kind never interleave with another toggle.
	mediaMu sync.Mutex

	mu            sync.Mutex
	selfID        string
	closed        bool
	peers         map[string]Participant
	local         map[protocol.MediaKind]webrtc.TrackLocal
	remoteEnabled map[protocol.MediaKind]bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithMediaSource sets the capture collaborator used when local media is
// switched on. Without one, enabling media fails with ErrMediaUnavailable.
func WithMediaSource(src MediaSource) Option {
	return func(p *Pool) { p.media = src }
}

// WithSelfID sets the id the signaling relay assigned to this pool. When
// two offers collide, the side with the smaller id yields. Without an id the
// side whose own offer has the smaller SDP yields; both sides see the same
// pair of offers, so exactly one of them does.
func WithSelfID(id string) Option {
	return func(p *Pool) { p.selfID = id }
}

// WithRemoteSink receives the RTP of every unmuted remote track.
func WithRemoteSink(sink RemoteSink) Option {
	return func(p *Pool) { p.sink = sink }
}

// New creates an empty pool. Sessions for new peers are built by factory.
// Cancelling ctx stops remote track readers but does not close the pool.
func New(ctx context.Context, factory rtc.SessionFactory, opts ...Option) *Pool {
	pctx, cancel := context.WithCancel(ctx)

	p := &Pool{
		ctx:           pctx,
		cancel:        cancel,
		factory:       factory,
		lock:          newNegotiationLock(),
		peers:         make(map[string]Participant),
		local:         make(map[protocol.MediaKind]webrtc.TrackLocal),
		remoteEnabled: make(map[protocol.MediaKind]bool),
	}
	for _, kind := range protocol.Kinds {
		p.remoteEnabled[kind] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SelfID returns the id this pool is known by, or "" if unknown.
func (p *Pool) SelfID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selfID
}

// SetSelfID records the id assigned by the signaling relay.
func (p *Pool) SetSelfID(id string) {
	p.mu.Lock()
	p.selfID = id
	p.mu.Unlock()
}

// polite reports whether this side yields when its pending offer to peer
// collides with offer.
func (p *Pool) polite(peer *Peer, offer protocol.SessionDescription) bool {
	if self := p.SelfID(); self != "" {
		return self < peer.ID()
	}
	return peer.pendingOffer() < offer.SDP
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Subscribe registers fn for every pool event. Listeners run on the
// goroutine that produced the event and must not block.
func (p *Pool) Subscribe(fn func(Event)) (unsubscribe func()) {
	return p.events.On(fn)
}

func (p *Pool) emit(ev Event) {
	p.events.Emit(ev)
}

// fail reports err as an error event and returns it.
func (p *Pool) fail(peerID string, err error) error {
	if peerID != "" {
		util.LogWarning("peer %s: %v", peerID, err)
	} else {
		util.LogWarning("pool: %v", err)
	}
	p.emit(ErrorEvent{PeerID: peerID, Err: err})
	return err
}

// ReportError emits an error raised outside the pool, such as a routing
// failure reported by the signaling relay.
func (p *Pool) ReportError(peerID string, err error) {
	p.fail(peerID, err)
}

// ---------------------------------------------------------------------------
// Peer collection
// ---------------------------------------------------------------------------

// peerStateLocked is the state a participant created now starts from.
func (p *Pool) peerStateLocked() peerState {
	state := peerState{
		localEnabled: make(map[protocol.MediaKind]bool),
		muted:        make(map[protocol.MediaKind]bool),
	}
	for _, kind := range protocol.Kinds {
		state.localEnabled[kind] = p.local[kind] != nil
		state.muted[kind] = !p.remoteEnabled[kind]
	}
	return state
}

// ensurePeer returns the negotiable peer for id, creating and registering it
// on first reference.
func (p *Pool) ensurePeer(id string) (*Peer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if existing, ok := p.peers[id]; ok {
		peer, ok := existing.(*Peer)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotNegotiable, id)
		}
		return peer, nil
	}

	session, err := p.factory(id)
	if err != nil {
		return nil, &NegotiationError{PeerID: id, Op: "create session", Err: err}
	}

	peer := newPeer(p.ctx, id, session, p, p.peerStateLocked())
	p.peers[id] = peer
	util.LogPeerDebug(id, "peer created")
	return peer, nil
}

// negotiable returns the existing negotiable peer for id.
func (p *Pool) negotiable(id, op string) (*Peer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	existing, ok := p.peers[id]
	if !ok {
		return nil, &UnknownPeerError{ID: id, Op: op}
	}
	peer, ok := existing.(*Peer)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotNegotiable, id)
	}
	return peer, nil
}

// Peer returns the participant registered under id.
func (p *Pool) Peer(id string) (Participant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	part, ok := p.peers[id]
	return part, ok
}

// Peers returns every participant ordered by id.
func (p *Pool) Peers() []Participant {
	p.mu.Lock()
	out := slices.Collect(maps.Values(p.peers))
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b Participant) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return out
}

// ConnectAbstractPeer registers a local-only participant. An empty id is
// replaced by a generated one. The connection event fires immediately.
func (p *Pool) ConnectAbstractPeer(id string) (*AbstractPeer, error) {
	if id == "" {
		id = util.ShortID()
	}
	if err := ValidatePeerID(id); err != nil {
		return nil, p.fail(id, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.fail(id, ErrPoolClosed)
	}
	if _, ok := p.peers[id]; ok {
		p.mu.Unlock()
		return nil, p.fail(id, fmt.Errorf("%w: %q", ErrPeerExists, id))
	}
	a := newAbstractPeer(id, p, p.media, p.peerStateLocked(), maps.Clone(p.local))
	p.peers[id] = a
	p.mu.Unlock()

	util.LogPeer(id, "abstract peer connected")
	p.emit(ConnectionEvent{PeerID: id, Peer: a})
	return a, nil
}

// ClosePeer closes the participant registered under id. Unknown ids are
// ignored.
func (p *Pool) ClosePeer(id string) {
	if part, ok := p.Peer(id); ok {
		part.Close()
	}
}

// CloseAllPeers closes every participant.
func (p *Pool) CloseAllPeers() {
	for _, part := range p.Peers() {
		part.Close()
	}
}

// Close closes every participant, releases the local tracks and rejects
// further negotiation.
func (p *Pool) Close() {
	p.mediaMu.Lock()
	defer p.mediaMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	local := p.local
	p.local = make(map[protocol.MediaKind]webrtc.TrackLocal)
	p.mu.Unlock()

	p.CloseAllPeers()
	if p.media != nil {
		for _, track := range local {
			if track != nil {
				p.media.Release(track)
			}
		}
	}
	p.cancel()
	util.LogDebug("pool closed")
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// MakeOffer creates an offer for id, creating the peer if needed, and emits
// it as an OfferEvent.
func (p *Pool) MakeOffer(id string) error {
	if err := ValidatePeerID(id); err != nil {
		return p.fail(id, err)
	}
	peer, err := p.ensurePeer(id)
	if err != nil {
		return p.fail(id, err)
	}
	return p.offer(peer)
}

func (p *Pool) offer(peer *Peer) error {
	offer, err := peer.createOffer()
	if errors.Is(err, ErrPeerClosed) {
		return nil
	}
	if err != nil {
		return p.fail(peer.ID(), err)
	}

	util.Stats.AddOffer()
	p.emit(OfferEvent{PeerID: peer.ID(), Offer: protocol.SessionDescription{SDP: offer.SDP}})
	return nil
}

// AcceptOffer answers a remote offer from id and emits the answer as an
// AnswerEvent. An offer that loses a glare race is dropped without error.
func (p *Pool) AcceptOffer(ctx context.Context, id string, offer protocol.SessionDescription) error {
	if err := ValidatePeerID(id); err != nil {
		return p.fail(id, err)
	}

	var answer webrtc.SessionDescription
	err := p.lock.guard(ctx, func() error {
		peer, err := p.ensurePeer(id)
		if err != nil {
			return err
		}
		answer, err = peer.acceptOffer(offer, p.polite(peer, offer))
		return err
	})

	switch {
	case errors.Is(err, errGlareIgnored):
		util.LogPeerDebug(id, "glare: keeping local offer")
		return nil
	case errors.Is(err, ErrPeerClosed):
		return nil
	case err != nil:
		return p.fail(id, err)
	}

	util.Stats.AddAnswer()
	p.emit(AnswerEvent{PeerID: id, Answer: protocol.SessionDescription{SDP: answer.SDP}})
	return nil
}

// AcceptAnswer applies a remote answer. The peer must exist: an answer
// cannot precede our own offer.
func (p *Pool) AcceptAnswer(id string, answer protocol.SessionDescription) error {
	if err := ValidatePeerID(id); err != nil {
		return p.fail(id, err)
	}
	peer, err := p.negotiable(id, "accept answer")
	if err != nil {
		return p.fail(id, err)
	}
	if err := peer.acceptAnswer(answer); err != nil {
		if errors.Is(err, ErrPeerClosed) {
			return nil
		}
		return p.fail(id, err)
	}
	return nil
}

// AddCandidate hands a remote candidate to id, creating the peer if needed.
func (p *Pool) AddCandidate(ctx context.Context, id string, info protocol.CandidateInfo) error {
	if err := ValidatePeerID(id); err != nil {
		return p.fail(id, err)
	}

	err := p.lock.guard(ctx, func() error {
		peer, err := p.ensurePeer(id)
		if err != nil {
			return err
		}
		return peer.addCandidate(info)
	})
	if err != nil && !errors.Is(err, ErrPeerClosed) {
		return p.fail(id, err)
	}
	return nil
}

// Dispatch routes one inbound signal to the matching operation. Relay-only
// signals are rejected; the signaling client handles them.
func (p *Pool) Dispatch(ctx context.Context, sig protocol.Signal) error {
	switch s := sig.(type) {
	case protocol.Offer:
		return p.AcceptOffer(ctx, s.PeerID, s.Offer)
	case protocol.Answer:
		return p.AcceptAnswer(s.PeerID, s.Answer)
	case protocol.Candidate:
		return p.AddCandidate(ctx, s.PeerID, s.CandidateInfo)
	case protocol.Disconnect:
		if err := ValidatePeerID(s.PeerID); err != nil {
			return p.fail(s.PeerID, err)
		}
		p.ClosePeer(s.PeerID)
		return nil
	case protocol.Init, protocol.Error:
		return fmt.Errorf("%w: %s is not dispatchable", protocol.ErrUnknownSignal, sig.Type())
	}
	return fmt.Errorf("%w: %T", protocol.ErrUnknownSignal, sig)
}

// ---------------------------------------------------------------------------
// Local and remote media
// ---------------------------------------------------------------------------

// LocalMediaEnabled reports whether the local slot of kind holds a track.
func (p *Pool) LocalMediaEnabled(kind protocol.MediaKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local[kind] != nil
}

// RemoteMediaEnabled reports whether remote tracks of kind are played.
func (p *Pool) RemoteMediaEnabled(kind protocol.MediaKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteEnabled[kind]
}

// SetLocalMedia switches the local track of kind on or off and fans the
// change out to every participant. A capture failure is returned as a
// *MediaAcquisitionError, is not emitted, and leaves every peer untouched.
func (p *Pool) SetLocalMedia(ctx context.Context, kind protocol.MediaKind, enabled bool) error {
	return p.toggleLocal(ctx, kind, func(bool) bool { return enabled })
}

// ToggleLocalMedia negates the local state of kind.
func (p *Pool) ToggleLocalMedia(ctx context.Context, kind protocol.MediaKind) error {
	return p.toggleLocal(ctx, kind, func(current bool) bool { return !current })
}

func (p *Pool) toggleLocal(ctx context.Context, kind protocol.MediaKind, target func(bool) bool) error {
	if err := validateKind(kind); err != nil {
		return p.fail("", err)
	}

	p.mediaMu.Lock()
	defer p.mediaMu.Unlock()

	p.mu.Lock()
	closed := p.closed
	current := p.local[kind]
	p.mu.Unlock()
	if closed {
		return p.fail("", ErrPoolClosed)
	}

	enabled := target(current != nil)
	if enabled == (current != nil) {
		return nil
	}

	var track webrtc.TrackLocal
	if enabled {
		var err error
		if track, err = acquireTrack(ctx, p.media, kind); err != nil {
			util.LogWarning("local %s stays off: %v", kind, err)
			return err
		}
	}

	p.mu.Lock()
	p.local[kind] = track
	participants := slices.Collect(maps.Values(p.peers))
	self := p.selfID
	p.mu.Unlock()

	for _, part := range participants {
		if err := part.setLocalTrack(kind, track); err != nil && !errors.Is(err, ErrPeerClosed) {
			p.fail(part.ID(), fmt.Errorf("set local %s: %w", kind, err))
		}
	}

	if current != nil && p.media != nil {
		p.media.Release(current)
	}

	util.LogInfo("local %s %s", kind, onOff(enabled))
	p.emit(TrackStateChangedEvent{PeerID: self, Kind: kind, Enabled: enabled, Local: true})
	return nil
}

// SetRemoteMedia mutes or unmutes local playback of every remote track of
// kind. Nothing is sent to the peers.
func (p *Pool) SetRemoteMedia(kind protocol.MediaKind, enabled bool) error {
	return p.toggleRemote(kind, func(bool) bool { return enabled })
}

// ToggleRemoteMedia negates the remote playback state of kind.
func (p *Pool) ToggleRemoteMedia(kind protocol.MediaKind) error {
	return p.toggleRemote(kind, func(current bool) bool { return !current })
}

func (p *Pool) toggleRemote(kind protocol.MediaKind, target func(bool) bool) error {
	if err := validateKind(kind); err != nil {
		return p.fail("", err)
	}

	p.mu.Lock()
	enabled := target(p.remoteEnabled[kind])
	p.remoteEnabled[kind] = enabled
	participants := slices.Collect(maps.Values(p.peers))
	p.mu.Unlock()

	for _, part := range participants {
		part.setRemoteMuted(kind, !enabled)
	}
	util.LogInfo("remote %s %s", kind, onOff(enabled))
	return nil
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendMessage sends v to the participant id over its side channel.
func (p *Pool) SendMessage(id string, v any) error {
	part, ok := p.Peer(id)
	if !ok {
		return p.fail(id, &UnknownPeerError{ID: id, Op: "send message"})
	}
	if err := part.SendMessage(v); err != nil {
		return p.fail(id, err)
	}
	return nil
}

// Broadcast sends v to every negotiated peer. Each failure is emitted; the
// returned error joins them.
func (p *Pool) Broadcast(v any) error {
	var errs []error
	for _, part := range p.Peers() {
		if part.Abstract() {
			continue
		}
		if err := part.SendMessage(v); err != nil {
			errs = append(errs, p.fail(part.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// peerOwner
// ---------------------------------------------------------------------------

func (p *Pool) localTrack(kind protocol.MediaKind) webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local[kind]
}

func (p *Pool) peerConnected(part Participant) {
	util.Stats.AddConnected()
	util.LogPeer(part.ID(), "connected")
	p.emit(ConnectionEvent{PeerID: part.ID(), Peer: part})
}

func (p *Pool) peerClosed(part Participant) {
	id := part.ID()

	p.mu.Lock()
	if current, ok := p.peers[id]; ok && current == part {
		delete(p.peers, id)
	}
	p.mu.Unlock()

	if peer, ok := part.(*Peer); ok && peer.HasConnectedOnce() {
		util.Stats.AddDisconnected()
	}
	util.LogPeer(id, "disconnected")
	p.emit(DisconnectEvent{PeerID: id})
}

func (p *Pool) candidateDiscovered(peer *Peer, info protocol.CandidateInfo) {
	p.emit(CandidateEvent{PeerID: peer.ID(), Info: info})
}

func (p *Pool) negotiationNeeded(peer *Peer) {
	util.LogPeerDebug(peer.ID(), "renegotiating")
	go p.offer(peer)
}

func (p *Pool) remoteMediaChanged(part Participant) {
	p.emit(MediaStreamEvent{PeerID: part.ID(), Tracks: part.RemoteMedia()})
}

func (p *Pool) trackStateChanged(part Participant, kind protocol.MediaKind, enabled bool) {
	p.emit(TrackStateChangedEvent{PeerID: part.ID(), Kind: kind, Enabled: enabled})
	if enabled && part.RemoteMediaEnabled(kind) {
		p.remoteMediaChanged(part)
	}
}

func (p *Pool) messageReceived(part Participant, data json.RawMessage) {
	p.emit(MessageEvent{PeerID: part.ID(), Data: data})
}

func (p *Pool) remoteRTP(peer *Peer, kind protocol.MediaKind, pkt *rtp.Packet) {
	if p.sink != nil {
		p.sink(peer.ID(), kind, pkt)
	}
}
