//go:build linux

package media

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
)

// Devices captures the local camera and microphone through pion/mediadevices
// (V4L2 + malgo on Linux), encoding VP8 and Opus.
type Devices struct {
	cfg      config.Media
	selector *mediadevices.CodecSelector

	enumerate sync.Once
}

func newDevices(cfg config.Media) (Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	return &Devices{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *Devices) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// Acquire opens the microphone, and the camera for video calls. The device
// layer does not take a context, so a cancelled acquisition closes whatever
// GetUserMedia eventually returns.
func (d *Devices) Acquire(ctx context.Context, callType call.CallType) ([]call.LocalTrack, error) {
	d.enumerate.Do(d.logDevices)

	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if callType == call.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose an MJPEG node whose
			// malformed frames break the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.cfg.MaxWidth}
			c.Height = prop.IntRanged{Max: d.cfg.MaxHeight}
		}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		done <- result{s, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				closeAll(r.stream.GetTracks())
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("GetUserMedia (%s): %w", callType, res.err)
	}

	var out []call.LocalTrack
	for _, t := range res.stream.GetTracks() {
		t := t
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local %s track ended: %v", t.Kind(), err)
			}
		})
		out = append(out, newTrack(t.ID(), kindOf(t.Kind()), t, t.Close))
	}
	log.Printf("MEDIA: captured %d local tracks for a %s call", len(out), callType)
	return out, nil
}

func (d *Devices) logDevices() {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("MEDIA: no media devices found")
		return
	}
	for _, dev := range devices {
		log.Printf("MEDIA: device kind=%v label=%q", dev.Kind, dev.Label)
	}
}

func closeAll(tracks []mediadevices.Track) {
	for _, t := range tracks {
		t.Close()
	}
}
