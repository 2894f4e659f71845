package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide mesh counter set.
var Stats = &stats{}

type stats struct {
	PeersConnected    atomic.Int64 // peers that reached "connected" at least once
	PeersDisconnected atomic.Int64 // peers closed (locally or remotely)
	OffersSent        atomic.Int64 // local offers handed to signaling
	AnswersSent       atomic.Int64 // local answers handed to signaling
	CandidatesApplied atomic.Int64 // remote candidates given to the transport
	FramesSent        atomic.Int64 // side-channel frames enqueued
	FramesRecv        atomic.Int64 // side-channel frames accepted
	RTPBytesRecv      atomic.Int64 // remote RTP payload bytes delivered to the sink
}

func (s *stats) AddConnected()       { s.PeersConnected.Add(1) }
func (s *stats) AddDisconnected()    { s.PeersDisconnected.Add(1) }
func (s *stats) AddOffer()           { s.OffersSent.Add(1) }
func (s *stats) AddAnswer()          { s.AnswersSent.Add(1) }
func (s *stats) AddCandidates(n int) { s.CandidatesApplied.Add(int64(n)) }
func (s *stats) AddFrameSent()       { s.FramesSent.Add(1) }
func (s *stats) AddFrameRecv()       { s.FramesRecv.Add(1) }
func (s *stats) AddRTPRecv(n int)    { s.RTPBytesRecv.Add(int64(n)) }
func (s *stats) Live() int64         { return s.PeersConnected.Load() - s.PeersDisconnected.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs mesh statistics every
// interval. It stops when ctx is cancelled. Idle intervals are not logged.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevRecv, prevFrames int64
		var prevLive int64 = -1
		for {
			select {
			case <-ticker.C:
				live := Stats.Live()
				recv := Stats.RTPBytesRecv.Load()
				frames := Stats.FramesSent.Load() + Stats.FramesRecv.Load()

				rate := float64(recv-prevRecv) / interval.Seconds()
				if live != prevLive || frames != prevFrames || rate > 10 {
					pterm.DefaultLogger.Info(formatStats(live, rate, frames-prevFrames))
				}

				prevRecv = recv
				prevFrames = frames
				prevLive = live

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(live int64, rtpRate float64, frames int64) string {
	return fmt.Sprintf("Peers: %2d | Media in: %s/s | Side-channel: %3d frames",
		live,
		formatBytes(rtpRate),
		frames,
	)
}
