package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// pump writes the samples of one file into a track, looping at EOF.
type pump interface {
	codec() webrtc.RTPCodecCapability
	run(ctx context.Context, f *os.File, track *webrtc.TrackLocalStaticSample) error
}

// rewind seeks f back to the start for the next loop.
func rewind(f *os.File) error {
	_, err := f.Seek(0, io.SeekStart)
	return err
}

// ---------------------------------------------------------------------------
// Ogg/Opus
// ---------------------------------------------------------------------------

// oggPageDuration is the page interval of a typical Opus encoder.
const oggPageDuration = 20 * time.Millisecond

type oggPump struct {
	reader *oggreader.OggReader
	header *oggreader.OggHeader
}

func newOggPump(f *os.File) (*oggPump, error) {
	reader, header, err := oggreader.NewWith(f)
	if err != nil {
		return nil, err
	}
	return &oggPump{reader: reader, header: header}, nil
}

func (p *oggPump) codec() webrtc.RTPCodecCapability {
	channels := uint16(p.header.Channels)
	if channels == 0 {
		channels = 2
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: channels}
}

func (p *oggPump) run(ctx context.Context, f *os.File, track *webrtc.TrackLocalStaticSample) error {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		page, header, err := p.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if err := rewind(f); err != nil {
				return err
			}
			if p.reader, _, err = oggreader.NewWith(f); err != nil {
				return err
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			return err
		}

		// Granule position counts 48kHz samples since the stream start.
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/48000*1000) * time.Millisecond

		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// IVF
// ---------------------------------------------------------------------------

type ivfPump struct {
	reader *ivfreader.IVFReader
	header *ivfreader.IVFFileHeader
	mime   string
}

func newIVFPump(f *os.File) (*ivfPump, error) {
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, err
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		return nil, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}
	if header.TimebaseDenominator == 0 {
		return nil, errors.New("ivf timebase denominator is zero")
	}
	return &ivfPump{reader: reader, header: header, mime: mime}, nil
}

func (p *ivfPump) codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: p.mime, ClockRate: 90000}
}

// frameDuration is one tick of the file's timebase.
func (p *ivfPump) frameDuration() time.Duration {
	d := time.Duration(float64(p.header.TimebaseNumerator) / float64(p.header.TimebaseDenominator) * float64(time.Second))
	if d <= 0 {
		d = time.Second / 30
	}
	return d
}

func (p *ivfPump) run(ctx context.Context, f *os.File, track *webrtc.TrackLocalStaticSample) error {
	interval := p.frameDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := p.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if err := rewind(f); err != nil {
				return err
			}
			if p.reader, _, err = ivfreader.NewWith(f); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			return err
		}
	}
}
