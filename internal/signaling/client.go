package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcpool/internal/pool"
)

// Connect dials the given relay WebSocket URL and returns the connection,
// e.g.:
//
//	wss://example.devtunnels.ms/ws
func Connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

// Join connects to url and binds p to the connection until ctx is cancelled
// or the socket fails.
func Join(ctx context.Context, url string, p *pool.Pool) error {
	conn, err := Connect(ctx, url)
	if err != nil {
		return err
	}
	return Bind(ctx, conn, p)
}
