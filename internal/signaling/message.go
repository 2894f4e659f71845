// Package signaling carries a pool's negotiation through a WebSocket relay.
// The client side binds a pool to a relay connection; the server side is the
// relay itself: one room, messages routed by peer id.
package signaling

import (
	"fmt"
	"time"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	readLimit  = 1 << 20
	sendBuffer = 256
)

// RelayError is an error signal received from the relay, usually a message
// addressed to a peer that already left.
type RelayError struct {
	PeerID  string
	Message string
}

func (e *RelayError) Error() string {
	if e.PeerID == "" {
		return "relay: " + e.Message
	}
	return fmt.Sprintf("relay: %s (peer %s)", e.Message, e.PeerID)
}
