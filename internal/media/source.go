// Package media provides the capture collaborator of the pool: local tracks
// fed from media files, looped for as long as the track is held.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/pool"
	"github.com/1ureka/rtcpool/internal/protocol"
	"github.com/1ureka/rtcpool/internal/util"
)

var _ pool.MediaSource = (*FileSource)(nil)

// streamID groups every local track in one remote stream.
const streamID = "rtcpool"

// FileSource captures audio from an Ogg/Opus file and video from an IVF
// file (VP8, VP9 or AV1). A kind whose file is not configured is
// unavailable.
type FileSource struct {
	AudioFile string
	VideoFile string

	mu    sync.Mutex
	pumps map[webrtc.TrackLocal]context.CancelFunc
}

// Acquire opens the file for kind, checks its header and starts pumping
// samples into a new track.
func (s *FileSource) Acquire(ctx context.Context, kind protocol.MediaKind) (webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var path string
	switch kind {
	case protocol.KindAudio:
		path = s.AudioFile
	case protocol.KindVideo:
		path = s.VideoFile
	default:
		return nil, fmt.Errorf("%w: kind %q", pool.ErrMediaUnavailable, kind)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no %s file configured", pool.ErrMediaUnavailable, kind)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, openError(err)
	}

	var p pump
	if kind == protocol.KindAudio {
		p, err = newOggPump(f)
	} else {
		p, err = newIVFPump(f)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", pool.ErrMediaUnavailable, path, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(p.codec(), fmt.Sprintf("%s-%s", kind, util.ShortID()), streamID)
	if err != nil {
		f.Close()
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.pumps == nil {
		s.pumps = make(map[webrtc.TrackLocal]context.CancelFunc)
	}
	s.pumps[track] = cancel
	s.mu.Unlock()

	go func() {
		defer f.Close()
		if err := p.run(pumpCtx, f, track); err != nil && !errors.Is(err, context.Canceled) {
			util.LogWarning("%s pump stopped: %v", kind, err)
		}
	}()

	util.LogDebug("capturing %s from %s", kind, path)
	return track, nil
}

// Release stops the pump feeding track. Unknown tracks are ignored.
func (s *FileSource) Release(track webrtc.TrackLocal) {
	s.mu.Lock()
	cancel, ok := s.pumps[track]
	delete(s.pumps, track)
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

// Active returns the number of tracks currently being pumped.
func (s *FileSource) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pumps)
}

func openError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", pool.ErrMediaUnavailable, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", pool.ErrMediaDenied, err)
	}
	return err
}
