package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
)

// StaticSource is a synthetic media source: silence for audio, an empty
// payload stream for video. It stands in for real capture drivers in tests
// and the server's loopback mode; device handling is an external capability.
type StaticSource struct {
	id    string
	kind  core.MediaKind
	track *webrtc.TrackLocalStaticRTP

	mu     sync.Mutex
	cancel context.CancelFunc
}

func capabilityFor(kind core.MediaKind) webrtc.RTPCodecCapability {
	if kind == core.MediaAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func NewStaticSource(kind core.MediaKind) (*StaticSource, error) {
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	streamID := "duet-" + string(kind)
	track, err := webrtc.NewTrackLocalStaticRTP(capabilityFor(kind), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	return &StaticSource{id: id, kind: kind, track: track}, nil
}

func (s *StaticSource) ID() string               { return s.id }
func (s *StaticSource) Kind() core.MediaKind     { return s.kind }
func (s *StaticSource) Track() webrtc.TrackLocal { return s.track }

// Start pumps RTP packets until ctx is done or Close is called. 20ms pacing
// for audio, ~30fps for video.
func (s *StaticSource) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	interval := 33 * time.Millisecond
	samples := uint32(3000)
	if s.kind == core.MediaAudio {
		interval = 20 * time.Millisecond
		samples = 960
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var seq uint16
		var ts uint32
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pkt := &rtp.Packet{
					Header: rtp.Header{
						Version:        2,
						SequenceNumber: seq,
						Timestamp:      ts,
					},
					Payload: make([]byte, 16),
				}
				if err := s.track.WriteRTP(pkt); err != nil {
					log.Debug().Err(err).Str("module", "rtc.source").Str("source", s.id).Msg("write rtp, stopping pump")
					return
				}
				seq++
				ts += samples
			}
		}
	}()
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// StaticProvider hands out StaticSources; it satisfies the media-acquisition
// capability the call core depends on.
type StaticProvider struct{}

func (StaticProvider) Acquire(ctx context.Context, kind core.MediaKind) (core.MediaSource, error) {
	src, err := NewStaticSource(kind)
	if err != nil {
		return nil, err
	}
	src.Start(ctx)
	return src, nil
}

var _ core.MediaProvider = StaticProvider{}
var _ core.MediaSource = (*StaticSource)(nil)
