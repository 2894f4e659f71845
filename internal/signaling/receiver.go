package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcpool/internal/pool"
	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/util"
)

// receiver reads signals from the relay and feeds them to the pool in
// arrival order (private).
type receiver struct {
	conn *websocket.Conn
	pool *pool.Pool
}

// watch blocks until the socket fails. Malformed signals are dropped.
func (r *receiver) watch(ctx context.Context) error {
	r.conn.SetReadLimit(readLimit)
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		sig, err := protocol.DecodeSignal(data)
		if err != nil {
			util.LogWarning("dropping signal: %v", err)
			continue
		}
		r.handle(ctx, sig)
	}
}

func (r *receiver) handle(ctx context.Context, sig protocol.Signal) {
	switch s := sig.(type) {
	// The relay tells a newcomer who it is and who is already there; the
	// newcomer offers to everyone.
	case protocol.Init:
		r.pool.SetSelfID(s.SelfID)
		util.LogSuccess("joined room as %s (%d peer(s) present)", s.SelfID, len(s.PeerIDs))
		for _, id := range s.PeerIDs {
			_ = r.pool.MakeOffer(id)
		}

	case protocol.Error:
		r.pool.ReportError(s.PeerID, &RelayError{PeerID: s.PeerID, Message: s.Message})

	// Failures are reported through the pool's error events.
	default:
		_ = r.pool.Dispatch(ctx, sig)
	}
}
