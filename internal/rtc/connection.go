// Package rtc drives one side's half of an SDP/ICE exchange over a pion
// peer connection and manages the outgoing track bindings.
package rtc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

type Connection struct {
	pc     *webrtc.PeerConnection
	callID domain.CallID
	cancel context.CancelFunc
	closed atomic.Bool

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed func()
}

func DefaultConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}
}

// NewConnection builds a pion PeerConnection with the default codecs and a
// NACK responder interceptor.
func NewConnection(cfg webrtc.Configuration, callID domain.CallID) (*Connection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	reg := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	reg.Add(responder)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(reg),
	)

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &Connection{pc: pc, callID: callID}, nil
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("call_id", string(c.callID)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("call_id", string(c.callID)).Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			if c.closed.CompareAndSwap(false, true) && c.onClosed != nil {
				c.onClosed()
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("call_id", string(c.callID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})

	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *Connection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

func (c *Connection) OnClosed(fn func()) { c.onClosed = fn }

func (c *Connection) IsClosed() bool { return c.closed.Load() }

func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("call_id", string(c.callID)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("call_id", string(c.callID)).Msg("closed")
		}
	}
	if c.onClosed != nil {
		c.onClosed()
	}
}

var _ core.PeerConnection = (*Connection)(nil)
