package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcpool/internal/pool"
	"github.com/1ureka/rtcpool/internal/util"
)

// Bind runs the signaling client for p on conn:
//   - the pool's offers, answers and candidates are written to the relay
//   - relay signals are dispatched to the pool in arrival order
//   - the relay's init sets the pool's self id and triggers an offer to
//     every member already in the room
//
// Bind blocks until ctx is cancelled (returns nil) or the socket fails. The
// connection is closed on return; the pool is left to the caller.
func Bind(ctx context.Context, conn *websocket.Conn, p *pool.Pool) error {
	s := &sender{conn: conn}
	r := &receiver{conn: conn, pool: p}

	off := p.Subscribe(s.forward)
	defer off()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch(ctx) // Exits when conn is closed below.
	}()

	select {
	case <-ctx.Done():
		s.close()
		conn.Close()
		<-errCh
		util.LogDebug("signaling closed")
		return nil

	case err := <-errCh:
		conn.Close()
		return fmt.Errorf("signaling failed: %w", err)
	}
}
