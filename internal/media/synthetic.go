package media

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/petervdpas/goopcall/internal/call"
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = time.Second / 15
)

// Opus TOC byte for a 20ms CELT silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// VP8 key frame header for a 16x16 frame; enough for receivers to see
// traffic, not meant to be decoded.
var vp8Stub = []byte{
	0x50, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00,
	0x00, 0x47, 0x08, 0x85, 0x85, 0x88, 0x85, 0x84, 0x88, 0x02,
}

// Synthetic produces generated Opus and VP8 tracks. It needs no hardware,
// which makes it the source for headless peers and tests.
type Synthetic struct{}

func NewSynthetic() *Synthetic { return &Synthetic{} }

func (s *Synthetic) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *Synthetic) Acquire(ctx context.Context, callType call.CallType) ([]call.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := "goopcall-" + uuid.NewString()

	audio, err := newSampleTrack(webrtc.MimeTypeOpus, call.KindAudio, stream, opusSilence, audioFrame)
	if err != nil {
		return nil, err
	}
	out := []call.LocalTrack{audio}

	if callType == call.Video {
		video, err := newSampleTrack(webrtc.MimeTypeVP8, call.KindVideo, stream, vp8Stub, videoFrame)
		if err != nil {
			audio.Stop()
			return nil, err
		}
		out = append(out, video)
	}
	return out, nil
}

func newSampleTrack(mime string, kind call.TrackKind, stream string, payload []byte, every time.Duration) (*Track, error) {
	id := string(kind) + "-" + uuid.NewString()[:8]
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, stream)
	if err != nil {
		return nil, fmt.Errorf("media: %s track: %w", kind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go writeSamples(ctx, local, payload, every)

	return newTrack(id, kind, local, func() error {
		cancel()
		return nil
	}), nil
}

func writeSamples(ctx context.Context, t *webrtc.TrackLocalStaticSample, payload []byte, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			// Unbound tracks drop samples silently.
			if err := t.WriteSample(pmedia.Sample{Data: payload, Duration: every}); err != nil {
				log.Printf("MEDIA: write %s sample: %v", t.Kind(), err)
				return
			}
		}
	}
}
