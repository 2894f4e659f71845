package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcpool/internal/pool"
	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/util"
)

// sender serializes outgoing signals to the WebSocket (private).
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes one signal to the WebSocket, guarded by a mutex.
func (s *sender) send(sig protocol.Signal) error {
	data, err := protocol.EncodeSignal(sig)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// forward turns the pool's outbound negotiation events into signals. It is
// registered as a pool listener; other events are ignored.
func (s *sender) forward(ev pool.Event) {
	var sig protocol.Signal
	var peerID string
	switch e := ev.(type) {
	case pool.OfferEvent:
		sig, peerID = protocol.Offer{PeerID: e.PeerID, Offer: e.Offer}, e.PeerID
	case pool.AnswerEvent:
		sig, peerID = protocol.Answer{PeerID: e.PeerID, Answer: e.Answer}, e.PeerID
	case pool.CandidateEvent:
		sig, peerID = protocol.Candidate{PeerID: e.PeerID, CandidateInfo: e.Info}, e.PeerID
	default:
		return
	}

	if err := s.send(sig); err != nil {
		util.LogWarning("failed to send %s to %s: %v", sig.Type(), peerID, err)
	}
}

// close tells the relay we are leaving.
func (s *sender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
