// Package app contains the top-level orchestration of a room session.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/1ureka/rtcpool/internal/config"
	"github.com/1ureka/rtcpool/internal/media"
	"github.com/1ureka/rtcpool/internal/pool"
	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/signaling"
	"github.com/1ureka/rtcpool/internal/transport"
	"github.com/1ureka/rtcpool/internal/util"
)

// RunRoom orchestrates one room session:
//  1. Build the pion session factory from the ICE configuration
//  2. Create the pool with a file-backed media source
//  3. Enable the local media requested by the config
//  4. Join the relay and negotiate with every member
//  5. Read console commands from in (nil disables the console)
//  6. Block until ctx is cancelled, the relay drops or "quit" is entered
func RunRoom(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	// ── 1. Session factory ─────────────────────────────────────────────
	factory, err := transport.NewFactory(transport.Options{
		ICEServers:      cfg.WebRTCICEServers(),
		IncludeLoopback: cfg.IncludeLoopback,
	})
	if err != nil {
		return fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	roomCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── 2. Pool ────────────────────────────────────────────────────────
	source := &media.FileSource{AudioFile: cfg.AudioFile, VideoFile: cfg.VideoFile}
	p := pool.New(roomCtx, factory, pool.WithMediaSource(source))
	defer p.Close()

	off := logEvents(p)
	defer off()

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(roomCtx, cfg.StatsInterval)
	}

	// ── 3. Local media ─────────────────────────────────────────────────
	for kind, on := range map[protocol.MediaKind]bool{
		protocol.KindAudio: cfg.Audio,
		protocol.KindVideo: cfg.Video,
	} {
		if !on {
			continue
		}
		if err := p.SetLocalMedia(roomCtx, kind, true); err != nil {
			util.LogWarning("local %s not enabled: %v", kind, err)
		}
	}

	// ── 4. Console ─────────────────────────────────────────────────────
	if in != nil {
		c := &console{pool: p, out: out}
		go func() {
			if c.run(roomCtx, in) {
				cancel()
			}
		}()
	}

	// ── 5. Signaling ───────────────────────────────────────────────────
	util.LogInfo("connecting to %s", cfg.URL)
	if err := signaling.Join(roomCtx, cfg.URL, p); err != nil {
		return err
	}

	util.LogInfo("left the room")
	return nil
}

// logEvents reports pool events on the terminal. Offers, answers and
// candidates are signaling traffic and only logged at debug level.
func logEvents(p *pool.Pool) (off func()) {
	return p.Subscribe(func(ev pool.Event) {
		switch e := ev.(type) {
		case pool.OfferEvent, pool.AnswerEvent:
			util.LogDebug("%s ready", e.Name())
		case pool.CandidateEvent:
			util.LogPeerDebug(e.PeerID, "local candidate (%s)", e.Info.GatheringState)
		case pool.ErrorEvent:
			// Already logged by the pool.
		case pool.ConnectionEvent:
			util.LogSuccess("%s joined the mesh", e.PeerID)
		case pool.DisconnectEvent:
			util.LogInfo("%s left the mesh", e.PeerID)
		case pool.MediaStreamEvent:
			util.LogPeer(e.PeerID, "receiving %d track(s)", len(e.Tracks))
		case pool.TrackStateChangedEvent:
			who := e.PeerID
			if e.Local {
				who = "local"
			}
			util.LogPeer(who, "%s %s", e.Kind, onOff(e.Enabled))
		case pool.MessageEvent:
			util.LogPeer(e.PeerID, "message: %s", e.Data)
		}
	})
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
