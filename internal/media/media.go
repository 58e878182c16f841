// Package media captures local audio/video for calls and hands the tracks to
// the peer adapter as pion TrackLocals.
package media

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
)

// ErrUnsupported is returned by New when device capture is not available
// on this platform.
var ErrUnsupported = errors.New("media: device capture not supported on this platform")

// Source captures tracks for a call and registers the codecs those tracks
// encode to, so the peer connection can negotiate them.
type Source interface {
	call.MediaSource
	RegisterCodecs(me *webrtc.MediaEngine) error
}

// New returns the source named by cfg.Source. A devices source that cannot
// be opened falls back to synthetic tracks.
func New(cfg config.Media) (Source, error) {
	switch cfg.Source {
	case config.MediaSynthetic:
		return NewSynthetic(), nil
	case config.MediaDevices:
		src, err := newDevices(cfg)
		if errors.Is(err, ErrUnsupported) {
			log.Printf("MEDIA: %v, using synthetic tracks", err)
			return NewSynthetic(), nil
		}
		return src, err
	}
	return nil, fmt.Errorf("media: unknown source %q", cfg.Source)
}

// Track is a captured local track. Stop is idempotent.
type Track struct {
	id    string
	kind  call.TrackKind
	local webrtc.TrackLocal

	once sync.Once
	stop func() error
	err  error
}

func newTrack(id string, kind call.TrackKind, local webrtc.TrackLocal, stop func() error) *Track {
	return &Track{id: id, kind: kind, local: local, stop: stop}
}

func (t *Track) ID() string           { return t.id }
func (t *Track) Kind() call.TrackKind { return t.kind }

// TrackLocal is what the peer connection sends.
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *Track) Stop() error {
	t.once.Do(func() {
		if t.stop != nil {
			t.err = t.stop()
		}
	})
	return t.err
}

func kindOf(k webrtc.RTPCodecType) call.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return call.KindVideo
	}
	return call.KindAudio
}
