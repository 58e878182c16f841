package media

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
)

func TestSyntheticTracksPerCallType(t *testing.T) {
	src := NewSynthetic()
	ctx := context.Background()

	audio, err := src.Acquire(ctx, call.Audio)
	if err != nil {
		t.Fatal(err)
	}
	if len(audio) != 1 || audio[0].Kind() != call.KindAudio {
		t.Fatalf("audio call tracks = %v", audio)
	}

	video, err := src.Acquire(ctx, call.Video)
	if err != nil {
		t.Fatal(err)
	}
	if len(video) != 2 || video[0].Kind() != call.KindAudio || video[1].Kind() != call.KindVideo {
		t.Fatalf("video call tracks = %v", video)
	}

	for _, lt := range append(audio, video...) {
		tr, ok := lt.(*Track)
		if !ok {
			t.Fatalf("track %T", lt)
		}
		if tr.TrackLocal() == nil || tr.TrackLocal().ID() != tr.ID() {
			t.Fatal("track local does not match")
		}
		if err := tr.Stop(); err != nil {
			t.Fatal(err)
		}
		if err := tr.Stop(); err != nil {
			t.Fatal("second Stop failed")
		}
	}
}

func TestSyntheticHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSynthetic().Acquire(ctx, call.Audio); err == nil {
		t.Fatal("Acquire on a cancelled context succeeded")
	}
}

func TestSyntheticRegistersCodecs(t *testing.T) {
	me := &webrtc.MediaEngine{}
	if err := NewSynthetic().RegisterCodecs(me); err != nil {
		t.Fatal(err)
	}
}

func TestNewSource(t *testing.T) {
	cfg := config.Default().Media

	cfg.Source = config.MediaSynthetic
	src, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(*Synthetic); !ok {
		t.Fatalf("source %T", src)
	}

	cfg.Source = "webcam"
	if _, err := New(cfg); err == nil {
		t.Fatal("unknown source accepted")
	}
}
