package call

import (
	"context"
	"fmt"
	"log"
	"sync"
)

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// LocalTrack is a captured track as produced by a MediaSource.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Stop() error
}

// MediaSource captures local media. Audio is always requested; video only
// for video calls.
type MediaSource interface {
	Acquire(ctx context.Context, callType CallType) ([]LocalTrack, error)
}

type MediaSourceFunc func(ctx context.Context, callType CallType) ([]LocalTrack, error)

func (f MediaSourceFunc) Acquire(ctx context.Context, callType CallType) ([]LocalTrack, error) {
	return f(ctx, callType)
}

// Track is a local track owned by a LocalStream, with its enabled flag.
type Track struct {
	src LocalTrack

	mu       sync.Mutex
	enabled  bool
	watchers []func(enabled bool)
}

// NewTrack wraps src, enabled.
func NewTrack(src LocalTrack) *Track {
	return &Track{src: src, enabled: true}
}

func (t *Track) ID() string         { return t.src.ID() }
func (t *Track) Kind() TrackKind    { return t.src.Kind() }
func (t *Track) Source() LocalTrack { return t.src }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled flips the flag and notifies watchers when it changes.
func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	if t.enabled == on {
		t.mu.Unlock()
		return
	}
	t.enabled = on
	watchers := append([]func(bool){}, t.watchers...)
	t.mu.Unlock()

	for _, fn := range watchers {
		fn(on)
	}
}

// OnEnabledChange registers fn to run after every change of the enabled flag.
// The peer adapter uses this to detach a disabled track from its sender.
func (t *Track) OnEnabledChange(fn func(enabled bool)) {
	t.mu.Lock()
	t.watchers = append(t.watchers, fn)
	t.mu.Unlock()
}

func (t *Track) info() TrackInfo {
	return TrackInfo{ID: t.ID(), Kind: t.Kind(), Enabled: t.Enabled()}
}

// LocalStream exclusively owns the captured tracks of one call attempt.
type LocalStream struct {
	tracks []*Track

	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func newLocalStream(srcs []LocalTrack) *LocalStream {
	s := &LocalStream{}
	for _, src := range srcs {
		s.tracks = append(s.tracks, NewTrack(src))
	}
	return s
}

func (s *LocalStream) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

// First returns the first track of kind, or nil.
func (s *LocalStream) First(kind TrackKind) *Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Stop stops every track. Only the first call has any effect.
func (s *LocalStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			if err := t.src.Stop(); err != nil {
				log.Printf("MEDIA: stop %s track %s: %v", t.Kind(), t.ID(), err)
			}
		}
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	})
}

func (s *LocalStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// RemoteTrack describes a track received from the remote participant.
type RemoteTrack struct {
	ID       string    `json:"id"`
	StreamID string    `json:"stream_id"`
	Kind     TrackKind `json:"kind"`
}

// RemoteStream collects the remote tracks of one call attempt.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []RemoteTrack
}

// add records t and reports whether it was new.
func (s *RemoteStream) add(t RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.tracks {
		if have.ID == t.ID && have.StreamID == t.StreamID {
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

// acquireLocalMedia captures media for callType. The result always carries
// an audio track, plus a video track for video calls; anything else is
// stopped and reported as ErrMediaAcquisitionFailed.
func acquireLocalMedia(ctx context.Context, src MediaSource, callType CallType) (*LocalStream, error) {
	tracks, err := src.Acquire(ctx, callType)
	if err != nil {
		return nil, err
	}

	var keep []LocalTrack
	var audio, video bool
	for _, t := range tracks {
		switch {
		case t.Kind() == KindAudio && !audio:
			audio = true
			keep = append(keep, t)
		case t.Kind() == KindVideo && callType == Video && !video:
			video = true
			keep = append(keep, t)
		default:
			_ = t.Stop()
		}
	}

	if !audio || (callType == Video && !video) {
		for _, t := range keep {
			_ = t.Stop()
		}
		return nil, fmt.Errorf("source returned audio=%v video=%v for a %s call", audio, video, callType)
	}
	return newLocalStream(keep), nil
}
