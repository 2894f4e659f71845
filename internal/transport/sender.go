package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/util"
)

const (
	// A side channel carries small JSON messages; a backlog past pauseAbove
	// means the peer is not reading and further writes only grow pion's queue.
	pauseAbove  = 256 * 1024
	resumeBelow = 64 * 1024
	queueSize   = 64
)

// frameWriter is the part of a DataChannel the sender writes through.
type frameWriter interface {
	BufferedAmount() uint64
	SendText(text string) error
}

// sender owns all writes to one side channel. Messages queued before the
// channel opens are held and go out in queue order once it does.
type sender struct {
	label   string
	queue   chan []byte
	drained chan struct{}
}

// newSender hooks the drain notification on dc and starts the writer. The
// writer stops when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, opened <-chan struct{}) *sender {
	s := newQueue(dc.Label())

	dc.SetBufferedAmountLowThreshold(resumeBelow)
	dc.OnBufferedAmountLow(s.notifyDrained)

	go s.run(ctx, dc, opened)
	return s
}

func newQueue(label string) *sender {
	return &sender{
		label:   label,
		queue:   make(chan []byte, queueSize),
		drained: make(chan struct{}, 1),
	}
}

func (s *sender) notifyDrained() {
	select {
	case s.drained <- struct{}{}:
	default:
	}
}

func (s *sender) run(ctx context.Context, w frameWriter, opened <-chan struct{}) {
	select {
	case <-opened:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case msg := <-s.queue:
			if !s.write(ctx, w, msg) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// write sends one message as text, first waiting out a backlog on w.
func (s *sender) write(ctx context.Context, w frameWriter, msg []byte) bool {
	if w.BufferedAmount() > pauseAbove {
		select {
		case <-s.drained:
		case <-ctx.Done():
			return false
		}
	}

	if err := w.SendText(string(msg)); err != nil {
		util.LogError("side channel %q: dropping writer after %d-byte message: %v", s.label, len(msg), err)
		return false
	}
	return true
}

// send queues msg. It blocks while the queue is full and reports false once
// ctx is cancelled.
func (s *sender) send(ctx context.Context, msg []byte) bool {
	select {
	case s.queue <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
