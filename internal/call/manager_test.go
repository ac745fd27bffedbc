package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// mockSignaler records outbound envelopes for verification.
type mockSignaler struct {
	mu   sync.Mutex
	sent []Envelope
	ch   chan Envelope
}

func newMockSignaler() *mockSignaler {
	return &mockSignaler{ch: make(chan Envelope, 16)}
}

func (m *mockSignaler) Send(v any) error {
	env, ok := v.(Envelope)
	if !ok {
		return errors.New("unexpected payload type")
	}
	m.mu.Lock()
	m.sent = append(m.sent, env)
	m.mu.Unlock()
	return nil
}

func (m *mockSignaler) Subscribe() (chan Envelope, func()) {
	return m.ch, func() {}
}

func (m *mockSignaler) byType(typ string) []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Envelope
	for _, e := range m.sent {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockSignaler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// mockSource tracks release for leak checks.
type mockSource struct {
	id     string
	kind   core.MediaKind
	closed bool
}

func (s *mockSource) ID() string               { return s.id }
func (s *mockSource) Kind() core.MediaKind     { return s.kind }
func (s *mockSource) Track() webrtc.TrackLocal { return nil }
func (s *mockSource) Close() error             { s.closed = true; return nil }

// mockProvider counts acquisitions per kind; fail makes a kind unavailable.
type mockProvider struct {
	mu      sync.Mutex
	n       int
	sources []*mockSource
	fail    map[core.MediaKind]error
}

func newMockProvider() *mockProvider {
	return &mockProvider{fail: make(map[core.MediaKind]error)}
}

func (p *mockProvider) Acquire(_ context.Context, kind core.MediaKind) (core.MediaSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[kind]; err != nil {
		return nil, err
	}
	p.n++
	src := &mockSource{id: string(kind), kind: kind}
	p.sources = append(p.sources, src)
	return src, nil
}

func (p *mockProvider) acquired(kind core.MediaKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sources {
		if s.kind == kind {
			n++
		}
	}
	return n
}

func (p *mockProvider) allClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sources {
		if !s.closed {
			return false
		}
	}
	return true
}

// mockTransport is an inert peer connection.
type mockTransport struct {
	mu        sync.Mutex
	remoteSet int
	closed    bool
}

func (p *mockTransport) Start(context.Context) error { return nil }
func (p *mockTransport) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
func (p *mockTransport) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
func (p *mockTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}
func (p *mockTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}
func (p *mockTransport) SetLocalDescription(webrtc.SessionDescription) error { return nil }
func (p *mockTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remoteSet++
	p.mu.Unlock()
	return nil
}
func (p *mockTransport) AddICECandidate(webrtc.ICECandidateInit) error            { return nil }
func (p *mockTransport) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)    { return nil, nil }
func (p *mockTransport) OnICECandidate(func(webrtc.ICECandidateInit))             {}
func (p *mockTransport) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
}
func (p *mockTransport) OnClosed(func()) {}

var _ core.PeerConnection = (*mockTransport)(nil)

type fixture struct {
	m             *Manager
	sig           *mockSignaler
	provider      *mockProvider
	transport     *mockTransport
	notifications []Notification
	notifyMu      sync.Mutex
}

func newFixture(t *testing.T, self domain.UserID) *fixture {
	t.Helper()
	f := &fixture{
		sig:       newMockSignaler(),
		provider:  newMockProvider(),
		transport: &mockTransport{},
	}
	f.m = New(f.sig, self, f.provider, nil,
		WithConnector(func(context.Context, domain.CallID) (core.PeerConnection, error) {
			return f.transport, nil
		}),
		WithNotifier(func(n Notification) {
			f.notifyMu.Lock()
			f.notifications = append(f.notifications, n)
			f.notifyMu.Unlock()
		}),
	)
	t.Cleanup(f.m.Close)
	return f
}

func (f *fixture) notified() []Notification {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()
	out := make([]Notification, len(f.notifications))
	copy(out, f.notifications)
	return out
}

func callDTO(id domain.CallID, caller, receiver domain.UserID, t domain.CallType) *core.CallDTO {
	return &core.CallDTO{
		ID:       id,
		Type:     t,
		State:    domain.StateCalling,
		Caller:   domain.Participant{ID: caller, DisplayName: string(caller)},
		Receiver: domain.Participant{ID: receiver, DisplayName: string(receiver)},
	}
}

func TestPlace_MediaFailureSendsNothing(t *testing.T) {
	f := newFixture(t, "me")
	f.provider.fail[core.MediaAudio] = errors.New("mic denied")

	_, err := f.m.Place(context.Background(), "peer", domain.CallTypeVoice)
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
	if f.sig.count() != 0 {
		t.Error("no signaling may leave the process when media acquisition fails")
	}
	if f.m.InCall() {
		t.Error("failed placement must leave the manager free")
	}
}

func TestPlace_VoiceSkipsCamera(t *testing.T) {
	f := newFixture(t, "me")

	if _, err := f.m.Place(context.Background(), "peer", domain.CallTypeVoice); err != nil {
		t.Fatalf("place: %v", err)
	}
	if f.provider.acquired(core.MediaAudio) != 1 {
		t.Error("microphone should be acquired")
	}
	if f.provider.acquired(core.MediaVideo) != 0 {
		t.Error("voice call must not touch the camera")
	}

	inits := f.sig.byType(orch.EventCallInitiate)
	if len(inits) != 1 || inits[0].ReceiverID != "peer" || inits[0].CallType != domain.CallTypeVoice {
		t.Errorf("initiate envelope = %+v", inits)
	}
}

func TestPlace_SecondCallBlocked(t *testing.T) {
	f := newFixture(t, "me")

	if _, err := f.m.Place(context.Background(), "peer", domain.CallTypeVoice); err != nil {
		t.Fatalf("first place: %v", err)
	}
	if _, err := f.m.Place(context.Background(), "other", domain.CallTypeVoice); !errors.Is(err, domain.ErrAlreadyInCall) {
		t.Errorf("expected ErrAlreadyInCall, got %v", err)
	}
}

func TestPlace_ServerRefusalReleasesEverything(t *testing.T) {
	f := newFixture(t, "me")

	// Initiate is accepted by the transport but refused by the server: the
	// refusal arrives later as an error frame, never as a call:initiate echo.
	if _, err := f.m.Place(context.Background(), "offline-peer", domain.CallTypeVideo); err != nil {
		t.Fatalf("place: %v", err)
	}

	f.m.dispatch(Envelope{Type: orch.EventError, Error: "user unavailable"})

	if f.m.InCall() {
		t.Error("refused initiate must leave the manager free")
	}
	if !f.provider.allClosed() {
		t.Error("refused initiate must release the acquired media")
	}
	n := f.notified()
	if len(n) != 1 || n[0].Reason != domain.ReasonFailed || n[0].Silent {
		t.Errorf("notifications = %+v, want one audible failure", n)
	}
}

func TestErrorFrame_LeavesEstablishedCallAlone(t *testing.T) {
	f := newFixture(t, "me")
	sess, err := f.m.Place(context.Background(), "peer", domain.CallTypeVoice)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "me", "peer", domain.CallTypeVoice)})
	f.m.dispatch(Envelope{Type: orch.EventCallAnswer, CallID: "c1"})

	// An error for some unrelated request must not end the call.
	f.m.dispatch(Envelope{Type: orch.EventError, Error: "invalid_name"})

	if !sess.Active() || !f.m.InCall() {
		t.Error("an established call ends only through call:end")
	}
}

func TestCallerFlow_OfferOnlyAfterAnswer(t *testing.T) {
	f := newFixture(t, "me")
	sess, err := f.m.Place(context.Background(), "peer", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	// Server echoes the initiate with the assigned identity.
	f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "me", "peer", domain.CallTypeVideo)})
	if snap := sess.Snapshot(); snap.CallID != "c1" {
		t.Fatalf("call id = %q, want c1", snap.CallID)
	}

	f.m.dispatch(Envelope{Type: orch.EventCallRinging, CallID: "c1"})
	if snap := sess.Snapshot(); snap.State != domain.StateRinging {
		t.Errorf("state = %s, want ringing", snap.State)
	}
	if len(f.sig.byType(orch.EventWebRTCOffer)) != 0 {
		t.Fatal("no offer may be produced before the call is answered")
	}

	f.m.dispatch(Envelope{Type: orch.EventCallAnswer, CallID: "c1"})
	offers := f.sig.byType(orch.EventWebRTCOffer)
	if len(offers) != 1 || offers[0].CallID != "c1" || offers[0].SDP == "" {
		t.Fatalf("offer envelopes = %+v", offers)
	}
	if snap := sess.Snapshot(); snap.State != domain.StateInCall {
		t.Errorf("state = %s, want in-call", snap.State)
	}

	// Duplicate answer delivery must not create a second offer.
	f.m.dispatch(Envelope{Type: orch.EventCallAnswer, CallID: "c1"})
	if len(f.sig.byType(orch.EventWebRTCOffer)) != 1 {
		t.Error("duplicate answered event produced a second offer")
	}

	f.m.dispatch(Envelope{Type: orch.EventWebRTCAnswer, CallID: "c1", SDP: "v=0 remote"})
	if f.transport.remoteSet != 1 {
		t.Errorf("remote descriptions applied = %d, want 1", f.transport.remoteSet)
	}
}

func TestIncoming_AutoRingingAck(t *testing.T) {
	f := newFixture(t, "me")
	var incoming *IncomingCall
	f.m.OnIncoming(func(ic *IncomingCall) { incoming = ic })

	f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "peer", "me", domain.CallTypeVoice)})

	if incoming == nil {
		t.Fatal("incoming handler not fired")
	}
	if rings := f.sig.byType(orch.EventCallRinging); len(rings) != 1 || rings[0].CallID != "c1" {
		t.Error("ringing ack should be sent before the user reacts")
	}
	// No media is touched until the user accepts.
	if f.provider.n != 0 {
		t.Error("incoming call must not acquire media before accept")
	}
}

func TestIncoming_AcceptAcquiresMediaThenAnswers(t *testing.T) {
	f := newFixture(t, "me")
	var incoming *IncomingCall
	f.m.OnIncoming(func(ic *IncomingCall) { incoming = ic })
	f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "peer", "me", domain.CallTypeVideo)})

	sess, err := incoming.Accept(context.Background())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if f.provider.acquired(core.MediaAudio) != 1 || f.provider.acquired(core.MediaVideo) != 1 {
		t.Error("video answer should acquire mic and camera")
	}
	if answers := f.sig.byType(orch.EventCallAnswer); len(answers) != 1 {
		t.Error("accept should send exactly one call:answer")
	}

	// The caller's offer arrives, the receiver answers the negotiation.
	f.m.dispatch(Envelope{Type: orch.EventCallAnswer, CallID: "c1"})
	f.m.dispatch(Envelope{Type: orch.EventWebRTCOffer, CallID: "c1", SDP: "v=0 remote offer"})
	if sdp := f.sig.byType(orch.EventWebRTCAnswer); len(sdp) != 1 || sdp[0].SDP == "" {
		t.Errorf("webrtc answer envelopes = %+v", sdp)
	}
	if snap := sess.Snapshot(); snap.State != domain.StateInCall {
		t.Errorf("state = %s, want in-call", snap.State)
	}
}

func TestIncoming_AcceptMediaFailure(t *testing.T) {
	f := newFixture(t, "me")
	f.provider.fail[core.MediaAudio] = errors.New("mic denied")
	var incoming *IncomingCall
	f.m.OnIncoming(func(ic *IncomingCall) { incoming = ic })
	f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "peer", "me", domain.CallTypeVoice)})

	if _, err := incoming.Accept(context.Background()); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
	if rejects := f.sig.byType(orch.EventCallReject); len(rejects) != 1 {
		t.Error("failed accept must decline the call")
	}
	if f.m.InCall() {
		t.Error("manager must be free after a failed accept")
	}
}

func TestIncoming_Reject(t *testing.T) {
	f := newFixture(t, "me")
	var incoming *IncomingCall
	f.m.OnIncoming(func(ic *IncomingCall) { incoming = ic })
	f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "peer", "me", domain.CallTypeVoice)})

	incoming.Reject()

	if rejects := f.sig.byType(orch.EventCallReject); len(rejects) != 1 || rejects[0].CallID != "c1" {
		t.Error("reject should send call:reject")
	}
	if f.m.InCall() {
		t.Error("manager must be free after reject")
	}
}

func TestTeardown_IdempotentSingleNotification(t *testing.T) {
	f := newFixture(t, "me")
	sess, err := f.m.Place(context.Background(), "peer", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "me", "peer", domain.CallTypeVideo)})
	f.m.dispatch(Envelope{Type: orch.EventCallAnswer, CallID: "c1"})

	sess.Hangup()
	sess.Hangup()
	// A late call:end from the server must not produce a second notification.
	f.m.dispatch(Envelope{Type: orch.EventCallEnd, CallID: "c1", Reason: domain.ReasonHangup})

	if n := f.notified(); len(n) != 1 {
		t.Fatalf("got %d notifications, want exactly 1", len(n))
	}
	if !f.provider.allClosed() {
		t.Error("teardown must release every acquired source")
	}
	if !f.transport.IsClosed() {
		t.Error("teardown must close the transport")
	}
	if f.m.InCall() {
		t.Error("manager must be free after teardown")
	}
}

func TestHandleEnd_NotificationSilence(t *testing.T) {
	cases := []struct {
		reason domain.EndReason
		silent bool
	}{
		{domain.ReasonHangup, true},
		{domain.ReasonRejected, false},
		{domain.ReasonNoAnswer, false},
		{domain.ReasonFailed, false},
	}
	for _, c := range cases {
		f := newFixture(t, "me")
		if _, err := f.m.Place(context.Background(), "peer", domain.CallTypeVoice); err != nil {
			t.Fatalf("place: %v", err)
		}
		f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "me", "peer", domain.CallTypeVoice)})

		f.m.dispatch(Envelope{Type: orch.EventCallEnd, CallID: "c1", Reason: c.reason})

		n := f.notified()
		if len(n) != 1 {
			t.Fatalf("reason %s: got %d notifications", c.reason, len(n))
		}
		if n[0].Reason != c.reason || n[0].Silent != c.silent {
			t.Errorf("reason %s: notification = %+v, want silent=%v", c.reason, n[0], c.silent)
		}
	}
}

func TestMuteToggles(t *testing.T) {
	f := newFixture(t, "me")
	sess, err := f.m.Place(context.Background(), "peer", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "me", "peer", domain.CallTypeVideo)})

	if muted := sess.ToggleAudio(); !muted {
		t.Error("first toggle should mute")
	}
	if muted := sess.ToggleAudio(); muted {
		t.Error("second toggle should unmute")
	}

	mutes := f.sig.byType(orch.EventCallMute)
	if len(mutes) != 2 {
		t.Fatalf("got %d mute envelopes, want 2", len(mutes))
	}
	if !mutes[0].Muted || mutes[0].Kind != core.MediaAudio {
		t.Errorf("first mute envelope = %+v", mutes[0])
	}
	// The unmute must travel too, not be dropped as a zero value.
	if mutes[1].Muted {
		t.Errorf("second mute envelope = %+v, want muted=false", mutes[1])
	}

	if snap := sess.Snapshot(); snap.AudioMuted {
		t.Error("snapshot should report audio live again")
	}
}

func TestScreenShare_RequiresActiveCall(t *testing.T) {
	f := newFixture(t, "me")
	sess, err := f.m.Place(context.Background(), "peer", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	f.m.dispatch(Envelope{Type: orch.EventCallInitiate, Call: callDTO("c1", "me", "peer", domain.CallTypeVideo)})

	if err := sess.StartScreenShare(); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("screen share before answer: expected ErrNoActiveCall, got %v", err)
	}
}
