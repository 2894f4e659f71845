package signaling

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the signaling relay for a single room. Every connection gets a
// short id; offers, answers and candidates are forwarded to the member named
// by peerId, with peerId rewritten to the sender.
type Server struct {
	mu      sync.Mutex
	closed  bool
	members map[string]*member
}

// NewServer creates an empty relay.
func NewServer() *Server {
	return &Server{members: make(map[string]*member)}
}

// Handler returns the HTTP handler serving the relay at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe serves the relay on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start WS server: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts relay connections on listener until ctx is cancelled, then
// drops every member.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.Close()
	}()

	util.LogInfo("signaling relay listening on ws://%s/ws", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Members returns the ids currently in the room, sorted.
func (s *Server) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.members))
}

// Close disconnects every member. Later connections are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	members := slices.Collect(maps.Values(s.members))
	clear(s.members)
	s.mu.Unlock()

	for _, m := range members {
		m.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m := s.join(conn)
	if m == nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closed"))
		conn.Close()
		return
	}

	go m.writePump()
	s.readPump(m)
}

// join registers conn and queues its init signal ahead of anything else.
func (s *Server) join(conn *websocket.Conn) *member {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	id := util.ShortID()
	for s.members[id] != nil {
		id = util.ShortID()
	}

	m := newMember(id, conn)
	m.push(protocol.Init{SelfID: id, PeerIDs: slices.Sorted(maps.Keys(s.members))})
	s.members[id] = m
	util.LogInfo("member %s joined (%d in room)", id, len(s.members))
	return m
}

// leave removes m and tells everyone else it is gone.
func (s *Server) leave(m *member) {
	m.close()

	s.mu.Lock()
	if s.members[m.id] != m {
		s.mu.Unlock()
		return
	}
	delete(s.members, m.id)
	others := slices.Collect(maps.Values(s.members))
	s.mu.Unlock()

	util.LogInfo("member %s left (%d in room)", m.id, len(others))
	for _, o := range others {
		o.push(protocol.Disconnect{PeerID: m.id})
	}
}

func (s *Server) readPump(m *member) {
	defer s.leave(m)

	m.conn.SetReadLimit(readLimit)
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.route(m, data)
	}
}

// route forwards one signal from a member to its target.
func (s *Server) route(from *member, data []byte) {
	sig, err := protocol.DecodeSignal(data)
	if err != nil {
		from.push(protocol.Error{Message: err.Error()})
		return
	}

	var target string
	switch v := sig.(type) {
	case protocol.Offer:
		target, v.PeerID = v.PeerID, from.id
		sig = v
	case protocol.Answer:
		target, v.PeerID = v.PeerID, from.id
		sig = v
	case protocol.Candidate:
		target, v.PeerID = v.PeerID, from.id
		sig = v
	default:
		from.push(protocol.Error{Message: fmt.Sprintf("%s cannot be relayed", sig.Type())})
		return
	}

	s.mu.Lock()
	to := s.members[target]
	s.mu.Unlock()

	if to == nil || to == from {
		from.push(protocol.Error{PeerID: target, Message: "unknown peer"})
		return
	}
	to.push(sig)
}

// member is one relay connection. Writes go through send so only writePump
// touches the socket.
type member struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newMember(id string, conn *websocket.Conn) *member {
	return &member{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// pushWait bounds how long push waits on a full queue.
var pushWait = writeWait

// push queues sig. When the queue is full it waits up to pushWait for the
// write pump to catch up; a member that stays full is dropped.
func (m *member) push(sig protocol.Signal) {
	data, err := protocol.EncodeSignal(sig)
	if err != nil {
		util.LogError("failed to encode %s: %v", sig.Type(), err)
		return
	}

	select {
	case m.send <- data:
		return
	case <-m.done:
		return
	default:
	}

	timer := time.NewTimer(pushWait)
	defer timer.Stop()

	select {
	case m.send <- data:
	case <-m.done:
	case <-timer.C:
		util.LogWarning("member %s is not reading, dropping it", m.id)
		m.close()
	}
}

func (m *member) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.close()
				return
			}

		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.close()
				return
			}

		case <-m.done:
			return
		}
	}
}

func (m *member) close() {
	m.once.Do(func() {
		close(m.done)
		m.conn.Close()
	})
}
