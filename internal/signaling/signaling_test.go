package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/pool"
	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/transport"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSignal(t *testing.T, conn *websocket.Conn) protocol.Signal {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sig, err := protocol.DecodeSignal(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return sig
}

func writeSignal(t *testing.T, conn *websocket.Conn, sig protocol.Signal) {
	t.Helper()
	data, err := protocol.EncodeSignal(sig)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expect[S protocol.Signal](t *testing.T, sig protocol.Signal) S {
	t.Helper()
	s, ok := sig.(S)
	if !ok {
		var zero S
		t.Fatalf("got %T, want %T", sig, zero)
	}
	return s
}

func TestRelayRoutes(t *testing.T) {
	srv := NewServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	a := dial(t, wsURL(ts))
	initA := expect[protocol.Init](t, readSignal(t, a))
	if initA.SelfID == "" || len(initA.PeerIDs) != 0 {
		t.Fatalf("first init = %+v", initA)
	}

	b := dial(t, wsURL(ts))
	initB := expect[protocol.Init](t, readSignal(t, b))
	if !slices.Equal(initB.PeerIDs, []string{initA.SelfID}) {
		t.Fatalf("second init peers = %v, want [%s]", initB.PeerIDs, initA.SelfID)
	}
	if got := srv.Members(); len(got) != 2 {
		t.Fatalf("members = %v", got)
	}

	writeSignal(t, b, protocol.Offer{PeerID: initA.SelfID, Offer: protocol.SessionDescription{SDP: "v=0"}})
	offer := expect[protocol.Offer](t, readSignal(t, a))
	if offer.PeerID != initB.SelfID || offer.Offer.SDP != "v=0" {
		t.Fatalf("relayed offer = %+v", offer)
	}

	writeSignal(t, a, protocol.Answer{PeerID: initB.SelfID, Answer: protocol.SessionDescription{SDP: "v=0 answer"}})
	answer := expect[protocol.Answer](t, readSignal(t, b))
	if answer.PeerID != initA.SelfID {
		t.Fatalf("relayed answer = %+v", answer)
	}

	writeSignal(t, a, protocol.Candidate{
		PeerID:        "nobody",
		CandidateInfo: protocol.CandidateInfo{GatheringState: protocol.GatheringComplete},
	})
	unknown := expect[protocol.Error](t, readSignal(t, a))
	if unknown.PeerID != "nobody" {
		t.Fatalf("unknown target error = %+v", unknown)
	}

	writeSignal(t, a, protocol.Disconnect{PeerID: initB.SelfID})
	expect[protocol.Error](t, readSignal(t, a))

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","data":{}}`)); err != nil {
		t.Fatal(err)
	}
	expect[protocol.Error](t, readSignal(t, a))

	b.Close()
	gone := expect[protocol.Disconnect](t, readSignal(t, a))
	if gone.PeerID != initB.SelfID {
		t.Fatalf("disconnect = %+v", gone)
	}
}

func TestRelayRefusesAfterClose(t *testing.T) {
	srv := NewServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	a := dial(t, wsURL(ts))
	expect[protocol.Init](t, readSignal(t, a))

	srv.Close()
	_ = a.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("member still connected after Close")
	}

	b := dial(t, wsURL(ts))
	_ = b.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := b.ReadMessage(); err == nil {
		t.Fatal("closed relay accepted a member")
	}
}

// queuedMember returns a member backed by a live socket whose queue holds a
// single message and has no write pump draining it.
func queuedMember(t *testing.T) *member {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(ts.Close)

	dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no server connection")
	}

	m := &member{id: "m", conn: conn, send: make(chan []byte, 1), done: make(chan struct{})}
	t.Cleanup(m.close)
	return m
}

func TestMemberPushWaitsForFullQueue(t *testing.T) {
	old := pushWait
	pushWait = 2 * time.Second
	t.Cleanup(func() { pushWait = old })

	m := queuedMember(t)
	m.push(protocol.Disconnect{PeerID: "first"})

	drained := make(chan []byte, 2)
	go func() {
		time.Sleep(50 * time.Millisecond)
		drained <- <-m.send
		drained <- <-m.send
	}()

	// The queue is full; the second push has to wait for the drain.
	m.push(protocol.Disconnect{PeerID: "second"})

	for _, want := range []string{"first", "second"} {
		select {
		case data := <-drained:
			sig, err := protocol.DecodeSignal(data)
			if err != nil {
				t.Fatal(err)
			}
			if got := expect[protocol.Disconnect](t, sig).PeerID; got != want {
				t.Fatalf("queued %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%q never queued", want)
		}
	}

	select {
	case <-m.done:
		t.Fatal("member dropped while its queue was draining")
	default:
	}
}

func TestMemberPushDropsStalledReader(t *testing.T) {
	old := pushWait
	pushWait = 20 * time.Millisecond
	t.Cleanup(func() { pushWait = old })

	m := queuedMember(t)
	m.push(protocol.Disconnect{PeerID: "first"})
	m.push(protocol.Disconnect{PeerID: "second"})

	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled member kept")
	}
}

// scriptedRelay sends signals to the first client and then waits for it to
// hang up.
func scriptedRelay(t *testing.T, signals ...protocol.Signal) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, sig := range signals {
			data, _ := protocol.EncodeSignal(sig)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestBindHandlesRelaySignals(t *testing.T) {
	ts := scriptedRelay(t,
		protocol.Init{SelfID: "m1"},
		protocol.Disconnect{PeerID: "ghost"},
		protocol.Error{PeerID: "zz", Message: "unknown peer"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pool.New(ctx, nil)
	defer p.Close()

	errs := make(chan error, 1)
	pool.On(p, func(ev pool.ErrorEvent) { errs <- ev.Err })

	done := make(chan error, 1)
	go func() { done <- Join(ctx, wsURL(ts), p) }()

	select {
	case err := <-errs:
		var relayErr *RelayError
		if !errors.As(err, &relayErr) || relayErr.PeerID != "zz" {
			t.Fatalf("error event = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay error not reported")
	}
	if p.SelfID() != "m1" {
		t.Fatalf("self id = %q", p.SelfID())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Bind after cancel = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Bind did not return after cancel")
	}
}

func TestBindFailsWhenRelayDrops(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			conn.Close()
		}
	}))
	defer ts.Close()

	p := pool.New(context.Background(), nil)
	defer p.Close()

	if err := Join(context.Background(), wsURL(ts), p); err == nil {
		t.Fatal("Join returned nil after the relay hung up")
	}
}

func TestMeshOverRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	srv := NewServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	factory, err := transport.NewFactory(transport.Options{
		ICEServers:      []webrtc.ICEServer{},
		IncludeLoopback: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	connected := make(chan string, 2)
	join := func() *pool.Pool {
		p := pool.New(ctx, factory)
		t.Cleanup(p.Close)
		pool.On(p, func(ev pool.ConnectionEvent) { connected <- ev.PeerID })
		go func() { _ = Join(ctx, wsURL(ts), p) }()
		return p
	}

	first := join()
	for len(srv.Members()) < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	second := join()

	for range 2 {
		select {
		case <-connected:
		case <-ctx.Done():
			t.Fatal("pools did not connect through the relay")
		}
	}

	if len(first.Peers()) != 1 || len(second.Peers()) != 1 {
		t.Fatalf("peers: first %d, second %d", len(first.Peers()), len(second.Peers()))
	}
	if first.Peers()[0].ID() != second.SelfID() {
		t.Fatalf("first sees %s, second is %s", first.Peers()[0].ID(), second.SelfID())
	}
}
