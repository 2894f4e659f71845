package transport_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/rtcpool/internal/pool"
	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/transport"
)

// toneSource hands out opus tracks fed with dummy 20ms samples until
// released. The payload is never decoded, so any bytes will do.
type toneSource struct {
	mu    sync.Mutex
	stops map[webrtc.TrackLocal]context.CancelFunc
}

func (s *toneSource) Acquire(ctx context.Context, kind protocol.MediaKind) (webrtc.TrackLocal, error) {
	if kind != protocol.KindAudio {
		return nil, pool.ErrMediaUnavailable
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "tone",
	)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.stops == nil {
		s.stops = make(map[webrtc.TrackLocal]context.CancelFunc)
	}
	s.stops[track] = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
			case <-pumpCtx.Done():
				return
			}
		}
	}()
	return track, nil
}

func (s *toneSource) Release(track webrtc.TrackLocal) {
	s.mu.Lock()
	cancel := s.stops[track]
	delete(s.stops, track)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// relay forwards the signaling events of from (addressed to toID) into to,
// as a signaling server would, with the sender renamed to fromID.
func relay(ctx context.Context, from, to *pool.Pool, fromID, toID string) {
	from.Subscribe(func(ev pool.Event) {
		switch e := ev.(type) {
		case pool.OfferEvent:
			if e.PeerID == toID {
				_ = to.Dispatch(ctx, protocol.Offer{PeerID: fromID, Offer: e.Offer})
			}
		case pool.AnswerEvent:
			if e.PeerID == toID {
				_ = to.Dispatch(ctx, protocol.Answer{PeerID: fromID, Answer: e.Answer})
			}
		case pool.CandidateEvent:
			if e.PeerID == toID {
				_ = to.Dispatch(ctx, protocol.Candidate{PeerID: fromID, CandidateInfo: e.Info})
			}
		}
	})
}

func newLoopbackPool(t *testing.T, ctx context.Context, opts ...pool.Option) *pool.Pool {
	t.Helper()
	factory, err := transport.NewFactory(transport.Options{
		ICEServers:      []webrtc.ICEServer{},
		IncludeLoopback: true,
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	p := pool.New(ctx, factory, opts...)
	t.Cleanup(p.Close)
	return p
}

func TestLoopbackMesh(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var rtpPackets atomic.Int64
	sink := func(peerID string, kind protocol.MediaKind, _ *rtp.Packet) {
		if peerID == "alice" && kind == protocol.KindAudio {
			rtpPackets.Add(1)
		}
	}

	alice := newLoopbackPool(t, ctx, pool.WithSelfID("alice"), pool.WithMediaSource(&toneSource{}))
	bob := newLoopbackPool(t, ctx, pool.WithSelfID("bob"), pool.WithRemoteSink(sink))
	relay(ctx, alice, bob, "alice", "bob")
	relay(ctx, bob, alice, "bob", "alice")

	connected := make(chan string, 2)
	for _, p := range []*pool.Pool{alice, bob} {
		pool.On(p, func(ev pool.ConnectionEvent) { connected <- ev.PeerID })
	}
	messages := make(chan string, 1)
	pool.On(bob, func(ev pool.MessageEvent) { messages <- string(ev.Data) })
	audioOn := make(chan struct{}, 1)
	pool.On(bob, func(ev pool.TrackStateChangedEvent) {
		if ev.PeerID == "alice" && ev.Kind == protocol.KindAudio && ev.Enabled {
			select {
			case audioOn <- struct{}{}:
			default:
			}
		}
	})

	if err := alice.SetLocalMedia(ctx, protocol.KindAudio, true); err != nil {
		t.Fatalf("SetLocalMedia: %v", err)
	}
	if err := alice.MakeOffer("bob"); err != nil {
		t.Fatalf("MakeOffer: %v", err)
	}

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case id := <-connected:
			seen[id] = true
		case <-ctx.Done():
			t.Fatalf("peers did not connect, saw %v", seen)
		}
	}

	select {
	case <-audioOn:
	case <-ctx.Done():
		t.Fatal("bob never saw alice's audio announced")
	}

	deadline := time.Now().Add(10 * time.Second)
	for rtpPackets.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no RTP from alice reached bob's sink")
		}
		time.Sleep(20 * time.Millisecond)
	}

	part, ok := bob.Peer("alice")
	if !ok || !part.RemoteMediaEnabled(protocol.KindAudio) {
		t.Fatal("alice's audio not on bob's surface")
	}

	if err := alice.SendMessage("bob", map[string]int{"n": 1}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	select {
	case msg := <-messages:
		if msg != `{"n":1}` {
			t.Fatalf("message = %s", msg)
		}
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}
