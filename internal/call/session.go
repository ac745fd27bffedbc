package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/rtc"
)

// connectFunc builds the peer transport for one call. Injected so tests can
// substitute a fake transport.
type connectFunc func(ctx context.Context, callID domain.CallID) (core.PeerConnection, error)

// Session is one side of one call attempt. Its observable fields are read
// through Snapshot; all mutation goes through the typed lifecycle methods.
type Session struct {
	sig      Signaler
	provider core.MediaProvider
	connect  connectFunc
	notify   func(Notification)
	role     domain.Role

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	info     core.CallDTO
	state    domain.CallState
	mic      core.MediaSource
	camera   core.MediaSource
	neg      *rtc.Negotiator
	binder   *rtc.TrackBinder
	watcher  *rtc.RemoteWatcher
	remoteID string
	audioOn  bool
	videoOn  bool
	ended    bool

	duration atomic.Int64
	tickStop chan struct{}
}

// Snapshot is the read-only view the UI binds to.
type Snapshot struct {
	CallID          domain.CallID
	State           domain.CallState
	Type            domain.CallType
	Role            domain.Role
	Caller          domain.Participant
	Receiver        domain.Participant
	LocalSourceID   string
	RemoteStreamID  string
	DurationSeconds int
	ScreenSharing   bool
	AudioMuted      bool
	VideoOff        bool
}

func newSession(ctx context.Context, sig Signaler, provider core.MediaProvider, connect connectFunc, notify func(Notification), role domain.Role) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		sig:      sig,
		provider: provider,
		connect:  connect,
		notify:   notify,
		role:     role,
		ctx:      ctx,
		cancel:   cancel,
		state:    domain.StateIdle,
		audioOn:  true,
		videoOn:  true,
		tickStop: make(chan struct{}),
	}
}

// acquireMedia grabs the microphone and, for video calls, the camera.
// Acquisition happens exactly once per call attempt; the caller side runs it
// before any signaling leaves the process, the receiver side only at the
// moment of local answer.
func (s *Session) acquireMedia(t domain.CallType) error {
	mic, err := s.provider.Acquire(s.ctx, core.MediaAudio)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	var cam core.MediaSource
	if t == domain.CallTypeVideo {
		cam, err = s.provider.Acquire(s.ctx, core.MediaVideo)
		if err != nil {
			_ = mic.Close()
			return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
	}
	s.mu.Lock()
	s.mic = mic
	s.camera = cam
	s.mu.Unlock()
	return nil
}

// attach fills in the server-assigned call identity for an outbound session.
func (s *Session) attach(dto core.CallDTO) {
	s.mu.Lock()
	s.info = dto
	if s.state == domain.StateIdle {
		s.state = domain.StateCalling
	}
	s.mu.Unlock()
}

// markRinging surfaces the remote ring acknowledgement to the caller's UI.
func (s *Session) markRinging() {
	s.mu.Lock()
	if s.state == domain.StateCalling {
		s.state = domain.StateRinging
	}
	s.mu.Unlock()
}

// handleAnswered flips to in-call and starts the duration timer. The caller
// additionally builds its transport and pushes the offer; the receiver built
// its transport when the user accepted.
func (s *Session) handleAnswered() {
	s.mu.Lock()
	if s.ended || s.state == domain.StateInCall {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateInCall
	callID := s.info.ID
	s.mu.Unlock()

	s.startTimer()

	if s.role != domain.RoleCaller {
		return
	}
	if err := s.startTransport(); err != nil {
		log.Error().Err(err).Str("module", "call").Str("call_id", string(callID)).Msg("transport setup")
		s.fail()
		return
	}
	offer, err := s.negotiator().CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("call_id", string(callID)).Msg("create offer")
		s.fail()
		return
	}
	s.send(Envelope{Type: orch.EventWebRTCOffer, CallID: callID, SDP: offer.SDP})
}

// startTransport builds the peer connection, wires callbacks and attaches
// local tracks. Idempotent: a second invocation is a no-op.
func (s *Session) startTransport() error {
	s.mu.Lock()
	if s.neg != nil {
		s.mu.Unlock()
		return nil
	}
	callID := s.info.ID
	mic, cam := s.mic, s.camera
	s.mu.Unlock()

	pc, err := s.connect(s.ctx, callID)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		s.send(Envelope{Type: orch.EventWebRTCCandidate, CallID: callID, Candidate: &ci})
	})
	watcher := rtc.NewRemoteWatcher(func(ch rtc.RemoteChange) {
		s.mu.Lock()
		s.remoteID = ch.StreamID
		s.mu.Unlock()
		log.Info().Str("module", "call").Str("call_id", string(callID)).Str("track", ch.TrackID).Str("codec", ch.Codec).Msg("remote source changed")
	})
	pc.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		watcher.Observe(track)
	})
	pc.OnClosed(func() { s.fail() })

	neg := rtc.NewNegotiator(pc, callID)

	var binder *rtc.TrackBinder
	if mic != nil {
		if _, err := pc.AddTrack(mic.Track()); err != nil {
			pc.Close()
			return fmt.Errorf("add audio track: %w", err)
		}
	}
	if cam != nil {
		sender, err := pc.AddTrack(cam.Track())
		if err != nil {
			pc.Close()
			return fmt.Errorf("add video track: %w", err)
		}
		binder = rtc.NewTrackBinder(callID, sender, cam, s.provider)
	}

	s.mu.Lock()
	s.neg = neg
	s.binder = binder
	s.watcher = watcher
	s.mu.Unlock()
	return nil
}

func (s *Session) negotiator() *rtc.Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neg
}

func (s *Session) handleRemoteOffer(sdp string) {
	neg := s.negotiator()
	if neg == nil {
		log.Warn().Str("module", "call").Msg("remote offer before transport, dropped")
		return
	}
	answer, err := neg.ApplyRemoteOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("apply remote offer")
		s.fail()
		return
	}
	s.mu.Lock()
	callID := s.info.ID
	s.mu.Unlock()
	s.send(Envelope{Type: orch.EventWebRTCAnswer, CallID: callID, SDP: answer.SDP})
}

func (s *Session) handleRemoteAnswer(sdp string) {
	neg := s.negotiator()
	if neg == nil {
		return
	}
	if err := neg.ApplyRemoteAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("apply remote answer")
		s.fail()
	}
}

func (s *Session) handleCandidate(ci *webrtc.ICECandidateInit) {
	if ci == nil {
		return
	}
	neg := s.negotiator()
	if neg == nil {
		log.Warn().Str("module", "call").Msg("candidate before transport, dropped")
		return
	}
	neg.AddCandidate(*ci)
}

// handleEnd processes a terminal event from the other side or the server.
func (s *Session) handleEnd(reason domain.EndReason) {
	silent := reason == domain.ReasonHangup
	s.teardown(reason, silent)
}

// Hangup ends the call locally: cancellation while still ringing, a normal
// hangup once connected. Idempotent.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	callID := s.info.ID
	reason := domain.ReasonCancelled
	if s.state == domain.StateInCall {
		reason = domain.ReasonHangup
	}
	s.mu.Unlock()

	s.send(Envelope{Type: orch.EventCallEnd, CallID: callID, Reason: reason})
	s.teardown(reason, true)
}

// fail is the transport-failure path: report, then tear down once.
func (s *Session) fail() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	callID := s.info.ID
	s.mu.Unlock()

	s.send(Envelope{Type: orch.EventCallEnd, CallID: callID, Reason: domain.ReasonFailed})
	s.teardown(domain.ReasonFailed, false)
}

// teardown releases every acquired resource and emits exactly one user
// notification. Unconditional and idempotent: safe regardless of which side
// or reason triggered the end, and safe to call twice.
func (s *Session) teardown(reason domain.EndReason, silent bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.state = domain.StateEnded
	callID := s.info.ID
	neg, binder := s.neg, s.binder
	mic, cam := s.mic, s.camera
	s.mic, s.camera = nil, nil
	s.mu.Unlock()

	close(s.tickStop)
	s.cancel()

	if binder != nil {
		binder.Close()
	}
	if neg != nil {
		neg.Close()
	}
	if mic != nil {
		_ = mic.Close()
	}
	if cam != nil {
		_ = cam.Close()
	}

	log.Info().Str("module", "call").Str("call_id", string(callID)).Str("reason", string(reason)).Msg("call ended")
	if s.notify != nil {
		s.notify(Notification{CallID: callID, Reason: reason, Silent: silent})
	}
}

// Active reports whether the session still holds resources.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

func (s *Session) startTimer() {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.tickStop:
				return
			case <-ticker.C:
				s.duration.Add(1)
			}
		}
	}()
}

// ToggleAudio flips the local audio flag and signals the peer.
// Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	callID := s.info.ID
	s.mu.Unlock()
	s.send(Envelope{Type: orch.EventCallMute, CallID: callID, Muted: muted, Kind: core.MediaAudio})
	return muted
}

// ToggleVideo flips the local video flag and signals the peer.
// Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	disabled := !s.videoOn
	callID := s.info.ID
	s.mu.Unlock()
	s.send(Envelope{Type: orch.EventCallMute, CallID: callID, Muted: disabled, Kind: core.MediaVideo})
	return disabled
}

// StartScreenShare swaps the outgoing video source to screen capture.
func (s *Session) StartScreenShare() error {
	s.mu.Lock()
	binder, state := s.binder, s.state
	s.mu.Unlock()
	if state != domain.StateInCall || binder == nil {
		return ErrNoActiveCall
	}
	return binder.StartScreenShare(s.ctx)
}

// StopScreenShare restores the camera binding recorded at share start.
func (s *Session) StopScreenShare() error {
	s.mu.Lock()
	binder := s.binder
	s.mu.Unlock()
	if binder == nil {
		return ErrNoActiveCall
	}
	return binder.StopScreenShare(s.ctx)
}

// Binder exposes the track replacement manager for render-side wiring.
func (s *Session) Binder() *rtc.TrackBinder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binder
}

// Snapshot returns the current observable state for UI binding.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		CallID:          s.info.ID,
		State:           s.state,
		Type:            s.info.Type,
		Role:            s.role,
		Caller:          s.info.Caller,
		Receiver:        s.info.Receiver,
		RemoteStreamID:  s.remoteID,
		DurationSeconds: int(s.duration.Load()),
		AudioMuted:      !s.audioOn,
		VideoOff:        !s.videoOn,
	}
	if s.binder != nil {
		snap.LocalSourceID = s.binder.ActiveSourceID()
		snap.ScreenSharing = s.binder.IsScreenSharing()
	} else if s.mic != nil {
		snap.LocalSourceID = s.mic.ID()
	}
	return snap
}

func (s *Session) send(env Envelope) {
	if err := s.sig.Send(env); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("type", env.Type).Msg("signal send")
	}
}
