package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/rtc"
)

// ErrChannelClosed is returned by Send after the data channel closed.
var ErrChannelClosed = errors.New("data channel closed")

var _ rtc.Channel = (*channel)(nil)

// channel wraps a DataChannel with a single-writer sender. Its lifecycle is
// governed by the DataChannel state: closing it cancels the sender.
type channel struct {
	dc     *webrtc.DataChannel
	sender *sender

	ctx    context.Context
	cancel context.CancelFunc

	openSignal chan struct{}
	openOnce   sync.Once

	mu      sync.Mutex
	opened  bool
	onOpen  func()
	onClose func()
}

func newChannel(dc *webrtc.DataChannel) *channel {
	ctx, cancel := context.WithCancel(context.Background())

	c := &channel{
		dc:         dc,
		ctx:        ctx,
		cancel:     cancel,
		openSignal: make(chan struct{}),
	}

	// DC open gate. pion runs this immediately if dc is already open.
	dc.OnOpen(c.handleOpen)

	// DC close → cancel the sender.
	dc.OnClose(func() {
		cancel()
		c.mu.Lock()
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	c.sender = newSender(ctx, dc, c.openSignal)
	return c
}

func (c *channel) handleOpen() {
	c.openOnce.Do(func() { close(c.openSignal) })

	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return
	}
	c.opened = true
	fn := c.onOpen
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (c *channel) Label() string { return c.dc.Label() }

// Send queues data behind every earlier frame.
func (c *channel) Send(data []byte) error {
	if c.ctx.Err() != nil || !c.sender.send(c.ctx, data) {
		return ErrChannelClosed
	}
	return nil
}

// OnOpen registers fn for the open event. If the channel is already open,
// fn runs right away on a new goroutine.
func (c *channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	opened := c.opened
	c.mu.Unlock()

	if opened && fn != nil {
		go fn()
	}
}

func (c *channel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *channel) Close() error {
	c.cancel()
	return c.dc.Close()
}
