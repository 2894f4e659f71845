package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/1ureka/rtcpool/internal/pool"
	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/util"
)

const consoleHelp = `commands:
  peers               list participants
  audio | video       toggle local media
  mute <kind>         toggle playback of remote audio or video
  say <text>          send text to every peer
  msg <id> <text>     send text to one participant
  echo [id]           add a local loopback participant
  kick <id>           close a participant
  quit                leave the room`

var errUnknownCommand = errors.New("unknown command (try \"help\")")

// textMessage is the user payload sent by "say" and "msg".
type textMessage struct {
	Text string `json:"text"`
}

// console runs line commands against a pool.
type console struct {
	pool *pool.Pool
	out  io.Writer
}

// run reads commands until in is exhausted or ctx is cancelled. It reports
// whether the user asked to quit.
func (c *console) run(ctx context.Context, in io.Reader) bool {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		quit, err := c.exec(ctx, scanner.Text())
		if err != nil {
			util.LogWarning("%v", err)
		}
		if quit {
			return true
		}
	}
	return false
}

func (c *console) exec(ctx context.Context, line string) (quit bool, err error) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
		return false, nil

	case "help":
		fmt.Fprintln(c.out, consoleHelp)

	case "peers":
		c.listPeers()

	case "audio", "video":
		return false, c.pool.ToggleLocalMedia(ctx, protocol.MediaKind(cmd))

	case "mute":
		return false, c.pool.ToggleRemoteMedia(protocol.MediaKind(rest))

	case "say":
		return false, c.pool.Broadcast(textMessage{Text: rest})

	case "msg":
		id, text, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: msg <id> <text>")
		}
		return false, c.pool.SendMessage(id, textMessage{Text: text})

	case "echo":
		a, err := c.pool.ConnectAbstractPeer(rest)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "loopback participant %s added\n", a.ID())

	case "kick":
		c.pool.ClosePeer(rest)

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("%q: %w", cmd, errUnknownCommand)
	}
	return false, nil
}

func (c *console) listPeers() {
	peers := c.pool.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "no participants")
		return
	}

	for _, part := range peers {
		state := "loopback"
		if peer, ok := part.(*pool.Peer); ok {
			state = peer.ConnectionState().String()
		}
		var kinds []string
		for _, kind := range protocol.Kinds {
			if part.RemoteMediaEnabled(kind) {
				kinds = append(kinds, string(kind))
			}
		}
		media := strings.Join(kinds, "+")
		if media == "" {
			media = "-"
		}
		fmt.Fprintf(c.out, "  %-10s %-12s %s\n", part.ID(), state, media)
	}
}
