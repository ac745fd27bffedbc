package rtc

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Duet/internal/core"
)

// videoSender builds a real RTPSender without any network activity.
func videoSender(t *testing.T, camera core.MediaSource) *webrtc.RTPSender {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	sender, err := pc.AddTrack(camera.Track())
	if err != nil {
		t.Fatalf("add track: %v", err)
	}
	return sender
}

// countingProvider wraps StaticProvider and counts acquisitions per kind.
type countingProvider struct {
	inner    StaticProvider
	acquired map[core.MediaKind]int
	fail     map[core.MediaKind]error
}

func newCountingProvider() *countingProvider {
	return &countingProvider{acquired: make(map[core.MediaKind]int), fail: make(map[core.MediaKind]error)}
}

func (p *countingProvider) Acquire(ctx context.Context, kind core.MediaKind) (core.MediaSource, error) {
	if err := p.fail[kind]; err != nil {
		return nil, err
	}
	p.acquired[kind]++
	return p.inner.Acquire(ctx, kind)
}

func newBinder(t *testing.T) (*TrackBinder, core.MediaSource, *countingProvider) {
	t.Helper()
	camera, err := NewStaticSource(core.MediaVideo)
	if err != nil {
		t.Fatalf("camera source: %v", err)
	}
	t.Cleanup(func() { camera.Close() })

	provider := newCountingProvider()
	b := NewTrackBinder("c1", videoSender(t, camera), camera, provider)
	t.Cleanup(b.Close)
	return b, camera, provider
}

func TestScreenShare_SwapAndRestore(t *testing.T) {
	b, camera, provider := newBinder(t)

	var changes []TrackChange
	b.OnTrackChanged(func(c TrackChange) { changes = append(changes, c) })

	if err := b.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !b.IsScreenSharing() {
		t.Error("should report sharing")
	}
	if b.ActiveSourceID() == camera.ID() {
		t.Error("active source should be the screen, not the camera")
	}

	if err := b.StopScreenShare(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if b.IsScreenSharing() {
		t.Error("should no longer report sharing")
	}
	// The exact camera source from before the share is restored.
	if b.ActiveSourceID() != camera.ID() {
		t.Errorf("active = %s, want the original camera %s", b.ActiveSourceID(), camera.ID())
	}
	if provider.acquired[core.MediaVideo] != 0 {
		t.Error("restoring must reuse the retained camera, not reacquire")
	}

	if len(changes) != 2 {
		t.Fatalf("got %d change events, want 2", len(changes))
	}
	if !changes[0].ScreenSharing || changes[0].Kind != core.MediaScreen {
		t.Errorf("first change = %+v, want screen", changes[0])
	}
	if changes[1].ScreenSharing || changes[1].SourceID != camera.ID() {
		t.Errorf("second change = %+v, want camera restore", changes[1])
	}
}

func TestScreenShare_StartTwiceIsNoOp(t *testing.T) {
	b, _, provider := newBinder(t)

	if err := b.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if provider.acquired[core.MediaScreen] != 1 {
		t.Errorf("screen acquired %d times, want 1", provider.acquired[core.MediaScreen])
	}
}

func TestScreenShare_StopWithoutStartIsNoOp(t *testing.T) {
	b, camera, _ := newBinder(t)

	if err := b.StopScreenShare(context.Background()); err != nil {
		t.Fatalf("stop without start: %v", err)
	}
	if b.ActiveSourceID() != camera.ID() {
		t.Error("camera binding should be untouched")
	}
}

func TestScreenShare_AcquireFailureKeepsCamera(t *testing.T) {
	b, camera, provider := newBinder(t)
	provider.fail[core.MediaScreen] = errors.New("screen capture denied")

	if err := b.StartScreenShare(context.Background()); err == nil {
		t.Fatal("expected acquire error")
	}
	if b.IsScreenSharing() {
		t.Error("failed share must not flag sharing")
	}
	if b.ActiveSourceID() != camera.ID() {
		t.Error("failed share must leave the camera bound")
	}
}
