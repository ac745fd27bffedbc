package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// TrackChange describes a change of the outgoing video binding. Emitted
// whenever the bound track identity changes, so the rendering side reacts
// to events instead of polling.
type TrackChange struct {
	SourceID      string
	Kind          core.MediaKind
	ScreenSharing bool
}

// TrackBinder swaps the outgoing video source between camera and screen
// capture on the existing sender, without renegotiating the session.
type TrackBinder struct {
	mu sync.Mutex

	callID   domain.CallID
	provider core.MediaProvider
	sender   *webrtc.RTPSender

	camera core.MediaSource
	screen core.MediaSource
	active core.MediaSource

	onChange func(TrackChange)
}

// NewTrackBinder starts with the camera bound to sender.
func NewTrackBinder(callID domain.CallID, sender *webrtc.RTPSender, camera core.MediaSource, provider core.MediaProvider) *TrackBinder {
	return &TrackBinder{
		callID:   callID,
		sender:   sender,
		camera:   camera,
		active:   camera,
		provider: provider,
	}
}

// OnTrackChanged registers the notification sink for binding changes.
func (b *TrackBinder) OnTrackChanged(fn func(TrackChange)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *TrackBinder) IsScreenSharing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.screen != nil
}

// ActiveSourceID reports the identity of the currently bound source.
func (b *TrackBinder) ActiveSourceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return ""
	}
	return b.active.ID()
}

// StartScreenShare acquires a screen source and binds it in place of the
// camera. Already sharing is a no-op.
func (b *TrackBinder) StartScreenShare(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.screen != nil {
		return nil
	}
	src, err := b.provider.Acquire(ctx, core.MediaScreen)
	if err != nil {
		return fmt.Errorf("acquire screen: %w", err)
	}
	if err := b.bindLocked(src); err != nil {
		_ = src.Close()
		return err
	}
	b.screen = src
	log.Info().Str("module", "rtc.tracks").Str("call_id", string(b.callID)).Str("source", src.ID()).Msg("screen share started")
	return nil
}

// StopScreenShare releases the screen source and restores the exact camera
// binding recorded at start. Not sharing is a no-op.
func (b *TrackBinder) StopScreenShare(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.screen == nil {
		return nil
	}
	if err := b.screen.Close(); err != nil {
		log.Warn().Err(err).Str("module", "rtc.tracks").Str("call_id", string(b.callID)).Msg("release screen source")
	}
	b.screen = nil

	if b.camera == nil {
		src, err := b.provider.Acquire(ctx, core.MediaVideo)
		if err != nil {
			return fmt.Errorf("reacquire camera: %w", err)
		}
		b.camera = src
	}
	if err := b.bindLocked(b.camera); err != nil {
		return err
	}
	log.Info().Str("module", "rtc.tracks").Str("call_id", string(b.callID)).Msg("screen share stopped, camera restored")
	return nil
}

// bindLocked replaces the sender's track. Rebinding the identical source is
// detected by identity and skipped. Caller holds mu.
func (b *TrackBinder) bindLocked(src core.MediaSource) error {
	if b.active != nil && b.active.ID() == src.ID() {
		return nil
	}
	if err := b.sender.ReplaceTrack(src.Track()); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	b.active = src
	if b.onChange != nil {
		b.onChange(TrackChange{
			SourceID:      src.ID(),
			Kind:          src.Kind(),
			ScreenSharing: src.Kind() == core.MediaScreen,
		})
	}
	return nil
}

// Close releases the screen source if one is live. The camera source belongs
// to the call session, which releases it on teardown.
func (b *TrackBinder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.screen != nil {
		_ = b.screen.Close()
		b.screen = nil
	}
}

// RemoteChange describes what the rendering collaborator should react to.
type RemoteChange struct {
	TrackID  string
	StreamID string
	Kind     webrtc.RTPCodecType
	Codec    string
}

// RemoteWatcher collapses "same logical track", "track replaced" and "track
// mutated in place" into one event stream: the sink fires only when the
// visible source actually changed, never causing a renegotiation.
type RemoteWatcher struct {
	mu      sync.Mutex
	current map[webrtc.RTPCodecType]RemoteChange
	sink    func(RemoteChange)
}

func NewRemoteWatcher(sink func(RemoteChange)) *RemoteWatcher {
	return &RemoteWatcher{
		current: make(map[webrtc.RTPCodecType]RemoteChange),
		sink:    sink,
	}
}

// Observe inspects an incoming remote track and notifies the sink when the
// track identity or its declared capabilities differ from the current
// binding. Returns true when a change was published.
func (w *RemoteWatcher) Observe(track *webrtc.TrackRemote) bool {
	next := RemoteChange{
		TrackID:  track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		Codec:    track.Codec().MimeType,
	}

	w.mu.Lock()
	prev, seen := w.current[next.Kind]
	if seen && prev == next {
		w.mu.Unlock()
		return false
	}
	w.current[next.Kind] = next
	sink := w.sink
	w.mu.Unlock()

	if sink != nil {
		sink(next)
	}
	return true
}
