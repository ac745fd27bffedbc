package orch

import (
	"context"

	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator wires the call registry, the relay and the presence store.
// It applies lifecycle transitions and routes signal frames between the two
// parties of a call; it never looks inside SDP or candidate payloads.
type Orchestrator struct {
	Registry *app.CallRegistry
	Relay    *app.Relay
	Presence core.Presence
	Policy   app.Policy
}

func New(reg *app.CallRegistry, relay *app.Relay, presence core.Presence, policy app.Policy) *Orchestrator {
	o := &Orchestrator{Registry: reg, Relay: relay, Presence: presence, Policy: policy}
	reg.SetReachable(relay.IsBound)
	reg.SetTimeoutHandler(o.onRingTimeout)
	return o
}

// deliver sends one frame and applies the backpressure policy. A refused
// lifecycle frame fails the whole call; a refused candidate is dropped.
func (o *Orchestrator) deliver(uid domain.UserID, callID domain.CallID, eventType string, f core.Frame) {
	if f == nil {
		return
	}
	err := o.Relay.Deliver(uid, f)
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("module", "orch").
		Str("user", string(uid)).
		Str("event", eventType).
		Msg("delivery refused")

	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(eventType) {
	case app.FailCall:
		o.Fail(callID)
	case app.DropEvent, app.NoAction:
	}
}

// onRingTimeout notifies both parties exactly once; the registry has already
// applied the terminal transition before calling us.
func (o *Orchestrator) onRingTimeout(call domain.Call) {
	f := noticeWithReason(EventCallEnd, call.ID, domain.ReasonNoAnswer)
	if err := o.Relay.Deliver(call.Caller.ID, f); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call_id", string(call.ID)).Msg("timeout notice to caller")
	}
	if err := o.Relay.Deliver(call.Receiver.ID, f); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call_id", string(call.ID)).Msg("timeout notice to receiver")
	}
}

// Connect binds a user's signal channel and marks them online.
func (o *Orchestrator) Connect(ctx context.Context, user *domain.User, sess core.UserSession, cancel context.CancelFunc) {
	o.Relay.Bind(user.ID, sess, cancel)
	if err := o.Presence.SetOnline(ctx, user); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("user", string(user.ID)).Msg("presence set online")
	}
}

// OnDisconnect handles a dropped signal channel: any active call of the user
// becomes a transport failure for the other side. When sess is given and a
// newer channel is already bound, the drop belongs to a superseded
// connection and is ignored.
func (o *Orchestrator) OnDisconnect(ctx context.Context, uid domain.UserID, sess core.UserSession) {
	if sess != nil {
		if cur, ok := o.Relay.Session(uid); ok && cur != sess {
			log.Info().Str("module", "orch").Str("user", string(uid)).Msg("stale disconnect ignored, user re-bound")
			return
		}
	}
	if call, ok := o.Registry.ActiveCall(uid); ok {
		o.Fail(call.ID)
	}
	o.Relay.Unbind(uid)
	if err := o.Presence.SetOffline(ctx, uid); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("user", string(uid)).Msg("presence set offline")
	}
}

// InCall is the upward-facing query the UI uses to block a second call.
func (o *Orchestrator) InCall(uid domain.UserID) bool {
	return o.Registry.InCall(uid)
}
