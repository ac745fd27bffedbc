package call

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/rtc"
)

// Manager owns at most one active session for this user and bridges relay
// signaling to it. A second call attempt while one is live fails before any
// transport is constructed.
type Manager struct {
	sig      Signaler
	self     domain.UserID
	provider core.MediaProvider
	connect  connectFunc
	notify   func(Notification)

	mu     sync.Mutex
	active *Session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	done chan struct{}
}

type Option func(*Manager)

// WithConnector substitutes the peer transport factory (used by tests).
func WithConnector(fn func(ctx context.Context, callID domain.CallID) (core.PeerConnection, error)) Option {
	return func(m *Manager) { m.connect = fn }
}

// WithNotifier installs the terminal-notification sink.
func WithNotifier(fn func(Notification)) Option {
	return func(m *Manager) { m.notify = fn }
}

// New creates a Manager attached to sig and starts listening for signaling
// events immediately.
func New(sig Signaler, self domain.UserID, provider core.MediaProvider, stunServers []string, opts ...Option) *Manager {
	m := &Manager{
		sig:      sig,
		self:     self,
		provider: provider,
		done:     make(chan struct{}),
	}
	m.connect = func(ctx context.Context, callID domain.CallID) (core.PeerConnection, error) {
		pc, err := rtc.NewConnection(rtc.DefaultConfig(stunServers), callID)
		if err != nil {
			return nil, err
		}
		if err := pc.Start(ctx); err != nil {
			pc.Close()
			return nil, err
		}
		return pc, nil
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.dispatchLoop()
	return m
}

// OnIncoming registers a callback fired for each incoming call.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Place starts an outbound call. Media is acquired before any signaling
// leaves the process: an acquisition failure cancels the attempt with no
// event sent.
func (m *Manager) Place(ctx context.Context, receiver domain.UserID, t domain.CallType) (*Session, error) {
	m.mu.Lock()
	if m.active != nil && m.active.Active() {
		m.mu.Unlock()
		return nil, domain.ErrAlreadyInCall
	}
	sess := newSession(ctx, m.sig, m.provider, m.connect, m.onTerminal, domain.RoleCaller)
	m.active = sess
	m.mu.Unlock()

	if err := sess.acquireMedia(t); err != nil {
		sess.teardown(domain.ReasonFailed, true)
		m.clear(sess)
		return nil, err
	}

	sess.mu.Lock()
	sess.state = domain.StateCalling
	sess.info.Type = t
	sess.mu.Unlock()

	if err := m.sig.Send(Envelope{Type: orch.EventCallInitiate, ReceiverID: receiver, CallType: t}); err != nil {
		sess.teardown(domain.ReasonFailed, false)
		m.clear(sess)
		return nil, err
	}
	log.Info().Str("module", "call").Str("receiver", string(receiver)).Str("type", string(t)).Msg("call placed")
	return sess, nil
}

// Active returns the live session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.Active() {
		return m.active, true
	}
	return nil, false
}

// InCall is the synchronous query the UI uses to block a second call.
func (m *Manager) InCall() bool {
	_, ok := m.Active()
	return ok
}

// Close shuts down the manager and hangs up the active session.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	if sess, ok := m.Active(); ok {
		sess.Hangup()
	}
}

// onTerminal clears the active slot and forwards the single user
// notification.
func (m *Manager) onTerminal(n Notification) {
	m.mu.Lock()
	if m.active != nil && !m.active.Active() {
		m.active = nil
	}
	m.mu.Unlock()
	if m.notify != nil {
		m.notify(n)
	}
}

func (m *Manager) clear(sess *Session) {
	m.mu.Lock()
	if m.active == sess {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Manager) dispatchLoop() {
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

// sessionFor matches an envelope to the active session. Events for calls
// this manager doesn't know (duplicates after teardown) come back nil and
// are swallowed by the callers.
func (m *Manager) sessionFor(id domain.CallID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	if sid := m.active.Snapshot().CallID; sid != "" && sid != id {
		return nil
	}
	return m.active
}

func (m *Manager) dispatch(env Envelope) {
	switch env.Type {
	case orch.EventCallInitiate:
		m.handleInitiate(env)
	case orch.EventCallRinging:
		if sess := m.sessionFor(env.CallID); sess != nil {
			sess.markRinging()
		}
	case orch.EventCallAnswer:
		if sess := m.sessionFor(env.CallID); sess != nil {
			sess.handleAnswered()
		}
	case orch.EventCallReject:
		if sess := m.sessionFor(env.CallID); sess != nil {
			sess.handleEnd(domain.ReasonRejected)
		}
	case orch.EventCallBusy:
		if sess := m.sessionFor(env.CallID); sess != nil {
			sess.handleEnd(domain.ReasonRejected)
		}
	case orch.EventCallEnd:
		if sess := m.sessionFor(env.CallID); sess != nil {
			reason := env.Reason
			if reason == "" {
				reason = domain.ReasonHangup
			}
			sess.handleEnd(reason)
		}
	case orch.EventCallMute:
		log.Debug().Str("module", "call").Str("call_id", string(env.CallID)).Bool("muted", env.Muted).Str("kind", string(env.Kind)).Msg("peer mute state")
	case orch.EventError:
		m.handleServerError(env)
	case orch.EventWebRTCOffer:
		if sess := m.sessionFor(env.CallID); sess != nil {
			sess.handleRemoteOffer(env.SDP)
		}
	case orch.EventWebRTCAnswer:
		if sess := m.sessionFor(env.CallID); sess != nil {
			sess.handleRemoteAnswer(env.SDP)
		}
	case orch.EventWebRTCCandidate:
		if sess := m.sessionFor(env.CallID); sess != nil {
			sess.handleCandidate(env.Candidate)
		}
	default:
		log.Debug().Str("module", "call").Str("type", env.Type).Msg("unhandled signal")
	}
}

// handleServerError reacts to a server refusal frame. A pending outbound
// session (no server-assigned identity yet) means the initiate itself was
// refused: the caller would otherwise wait in `calling` forever holding its
// media, since no call exists server-side and no ring timeout will ever
// fire. An attached call ends only through call:end; error frames for it
// are advisory.
func (m *Manager) handleServerError(env Envelope) {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return
	}
	if snap := sess.Snapshot(); snap.CallID != "" {
		log.Warn().Str("module", "call").Str("call_id", string(snap.CallID)).Str("error", env.Error).Msg("server error for established call")
		return
	}
	log.Warn().Str("module", "call").Str("error", env.Error).Msg("call setup refused by server")
	sess.teardown(domain.ReasonFailed, false)
	m.clear(sess)
}

// handleInitiate routes the initiation event: the echo of our own attempt
// attaches the server-assigned identity; anything else is an incoming call.
func (m *Manager) handleInitiate(env Envelope) {
	if env.Call == nil {
		return
	}
	dto := *env.Call

	if dto.Caller.ID == m.self {
		if sess := m.sessionFor(""); sess != nil {
			sess.attach(dto)
		}
		return
	}

	m.mu.Lock()
	if m.active != nil && m.active.Active() {
		// Registry guarantees one call per user; an initiate landing here
		// anyway is a stale duplicate.
		m.mu.Unlock()
		log.Warn().Str("module", "call").Str("call_id", string(dto.ID)).Msg("incoming call while busy, dropped")
		return
	}
	sess := newSession(context.Background(), m.sig, m.provider, m.connect, m.onTerminal, domain.RoleReceiver)
	sess.info = dto
	sess.state = domain.StateRinging
	m.active = sess
	m.mu.Unlock()

	// Flip the remote side to ringing before the user reacts.
	if err := m.sig.Send(Envelope{Type: orch.EventCallRinging, CallID: dto.ID}); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("ringing ack")
	}

	ic := &IncomingCall{
		Call: dto,
		Accept: func(ctx context.Context) (*Session, error) {
			// Media is acquired only now: never before the user agreed to
			// take the call.
			if err := sess.acquireMedia(dto.Type); err != nil {
				sess.send(Envelope{Type: orch.EventCallReject, CallID: dto.ID, Reason: domain.ReasonFailed})
				sess.teardown(domain.ReasonFailed, true)
				m.clear(sess)
				return nil, err
			}
			if err := sess.startTransport(); err != nil {
				sess.send(Envelope{Type: orch.EventCallEnd, CallID: dto.ID, Reason: domain.ReasonFailed})
				sess.teardown(domain.ReasonFailed, false)
				m.clear(sess)
				return nil, err
			}
			sess.send(Envelope{Type: orch.EventCallAnswer, CallID: dto.ID})
			return sess, nil
		},
		Reject: func() {
			sess.send(Envelope{Type: orch.EventCallReject, CallID: dto.ID, Reason: domain.ReasonRejected})
			sess.teardown(domain.ReasonRejected, true)
			m.clear(sess)
		},
	}

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}
