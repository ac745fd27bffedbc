package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// SignalingState mirrors the constrained offer/answer state machine of the
// underlying transport. It is the single source of truth; there are no side
// flags guarding re-entrancy.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

var (
	ErrNegotiationClosed = errors.New("negotiation closed")
	ErrBadSignalingState = errors.New("operation illegal in current signaling state")
)

// Negotiator drives one side's SDP/ICE exchange to completion exactly once,
// despite duplicate or reordered delivery from the relay. Routine races
// resolve to the already-existing artifact; a hard error surfaces only when
// no recoverable artifact exists.
type Negotiator struct {
	mu sync.Mutex

	pc     core.PeerConnection
	callID domain.CallID

	state   SignalingState
	local   *webrtc.SessionDescription
	remote  *webrtc.SessionDescription
	pending []webrtc.ICECandidateInit

	// candidates applied to the transport, queued or direct. Useful to
	// observe arrival-order equivalence.
	applied int
}

func NewNegotiator(pc core.PeerConnection, callID domain.CallID) *Negotiator {
	return &Negotiator{pc: pc, callID: callID, state: SignalingStable}
}

func (n *Negotiator) State() SignalingState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) LocalDescription() *webrtc.SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.local
}

func (n *Negotiator) RemoteDescription() *webrtc.SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remote
}

// PendingCandidates reports how many remote candidates still wait for the
// first remote description.
func (n *Negotiator) PendingCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// AppliedCandidates reports how many remote candidates reached the transport.
func (n *Negotiator) AppliedCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applied
}

// CreateOffer synthesizes a new offer only from a clean stable state. If a
// local offer already exists it is returned unchanged: a duplicate
// "answered" event must not generate a second offer on an already
// negotiating connection, which the transport forbids.
func (n *Negotiator) CreateOffer() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == SignalingClosed {
		return webrtc.SessionDescription{}, ErrNegotiationClosed
	}
	if n.local != nil && n.local.Type == webrtc.SDPTypeOffer {
		log.Debug().Str("module", "rtc").Str("call_id", string(n.callID)).Msg("duplicate offer request, returning existing offer")
		return *n.local, nil
	}
	if n.state != SignalingStable || n.local != nil {
		return webrtc.SessionDescription{}, ErrBadSignalingState
	}

	offer, err := n.pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.local = &offer
	n.state = SignalingHaveLocalOffer
	return offer, nil
}

// ApplyRemoteOffer sets the remote offer, drains queued candidates and
// synthesizes the answer, returning to stable. A duplicate of the same offer
// with an answer already produced returns that answer unchanged.
func (n *Negotiator) ApplyRemoteOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == SignalingClosed {
		return webrtc.SessionDescription{}, ErrNegotiationClosed
	}
	if n.remote != nil && n.remote.SDP == offer.SDP &&
		n.local != nil && n.local.Type == webrtc.SDPTypeAnswer {
		log.Debug().Str("module", "rtc").Str("call_id", string(n.callID)).Msg("duplicate remote offer, returning existing answer")
		return *n.local, nil
	}
	if n.state != SignalingStable && n.state != SignalingHaveRemoteOffer {
		return webrtc.SessionDescription{}, ErrBadSignalingState
	}

	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.remote = &offer
	n.state = SignalingHaveRemoteOffer
	n.drainLocked()

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.local = &answer
	n.state = SignalingStable
	return answer, nil
}

// ApplyRemoteAnswer completes the caller's half. An answer arriving while
// already stable is a duplicate of a prior delivery and a no-op.
func (n *Negotiator) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == SignalingClosed {
		return ErrNegotiationClosed
	}
	if n.state == SignalingStable {
		log.Debug().Str("module", "rtc").Str("call_id", string(n.callID)).Msg("remote answer while stable, already established")
		return nil
	}
	if n.state != SignalingHaveLocalOffer {
		return ErrBadSignalingState
	}

	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	n.remote = &answer
	n.state = SignalingStable
	n.drainLocked()
	return nil
}

// AddCandidate applies the candidate immediately when a remote description
// exists, otherwise queues it. Candidates for a closed session are discarded
// silently; candidate failures are never fatal to the call.
func (n *Negotiator) AddCandidate(c webrtc.ICECandidateInit) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == SignalingClosed {
		return
	}
	if n.remote == nil {
		n.pending = append(n.pending, c)
		return
	}
	n.applyCandidateLocked(c)
}

// drainLocked flushes queued candidates in arrival order. Caller holds mu.
func (n *Negotiator) drainLocked() {
	for _, c := range n.pending {
		n.applyCandidateLocked(c)
	}
	n.pending = nil
}

func (n *Negotiator) applyCandidateLocked(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("call_id", string(n.callID)).Msg("discarding ice candidate")
		return
	}
	n.applied++
}

// Close tears the negotiation down. Idempotent.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.state == SignalingClosed {
		n.mu.Unlock()
		return
	}
	n.state = SignalingClosed
	n.pending = nil
	n.mu.Unlock()
	n.pc.Close()
}
