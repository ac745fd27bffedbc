package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Initiate validates reachability and busy state, creates the call and
// announces it to both parties. A busy receiver additionally produces a
// call:busy notice for the caller before the error is returned.
func (o *Orchestrator) Initiate(ctx context.Context, callerID, receiverID domain.UserID, t domain.CallType) (domain.Call, error) {
	caller, err := o.Presence.Profile(ctx, callerID)
	if err != nil {
		return domain.Call{}, err
	}
	// Presence is authoritative for reachability: a shared (redis) store can
	// mark a user offline even while a stale local binding lingers. The
	// registry's reachable hook still checks the local binding on top.
	online, err := o.Presence.IsOnline(ctx, receiverID)
	if err != nil || !online {
		return domain.Call{}, domain.ErrUnreachable
	}
	receiver, err := o.Presence.Profile(ctx, receiverID)
	if err != nil {
		return domain.Call{}, domain.ErrUnreachable
	}

	call, err := o.Registry.Initiate(caller.Descriptor(), receiver.Descriptor(), t)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyInCall) && !o.Registry.InCall(callerID) {
			o.deliver(callerID, "", EventCallBusy, notice(EventCallBusy, ""))
		}
		return domain.Call{}, err
	}

	o.deliver(receiverID, call.ID, EventCallInitiate, noticeWithCall(EventCallInitiate, call))
	o.deliver(callerID, call.ID, EventCallInitiate, noticeWithCall(EventCallInitiate, call))
	return call, nil
}

// Ringing relays the receiver's ring acknowledgement back to the caller.
// Late ringing after timeout is an expected race and is dropped.
func (o *Orchestrator) Ringing(uid domain.UserID, callID domain.CallID) {
	call, ok := o.Registry.Get(callID)
	if !ok || call.Receiver.ID != uid {
		return
	}
	if _, err := o.Registry.Transition(callID, domain.EventRinging); err != nil {
		return
	}
	o.deliver(call.Caller.ID, callID, EventCallRinging, notice(EventCallRinging, callID))
}

// Answer flips the call to in-call. Only the receiver may answer.
func (o *Orchestrator) Answer(uid domain.UserID, callID domain.CallID) error {
	call, ok := o.Registry.Get(callID)
	if !ok {
		return domain.ErrCallNotFound
	}
	if call.Receiver.ID != uid {
		return domain.ErrNotParticipant
	}
	updated, err := o.Registry.Transition(callID, domain.EventAnswered)
	if err != nil {
		return err
	}
	o.deliver(updated.Caller.ID, callID, EventCallAnswer, notice(EventCallAnswer, callID))
	o.deliver(updated.Receiver.ID, callID, EventCallAnswer, notice(EventCallAnswer, callID))
	return nil
}

// Reject is the receiver declining before answer.
func (o *Orchestrator) Reject(uid domain.UserID, callID domain.CallID) error {
	call, ok := o.Registry.Get(callID)
	if !ok {
		return domain.ErrCallNotFound
	}
	if call.Receiver.ID != uid {
		return domain.ErrNotParticipant
	}
	updated, err := o.Registry.Transition(callID, domain.EventRejected)
	if err != nil {
		return err
	}
	o.deliver(updated.Caller.ID, callID, EventCallReject, noticeWithReason(EventCallReject, callID, updated.EndReason))
	return nil
}

// HangUp ends the call from either side: cancellation while still ringing,
// a normal hangup once in-call. The other party gets one call:end notice.
func (o *Orchestrator) HangUp(uid domain.UserID, callID domain.CallID) error {
	call, ok := o.Registry.Get(callID)
	if !ok {
		return domain.ErrCallNotFound
	}
	other, isParty := call.Other(uid)
	if !isParty {
		return domain.ErrNotParticipant
	}
	updated, err := o.Registry.Transition(callID, domain.EventEnded)
	if err != nil {
		return err
	}
	o.deliver(other, callID, EventCallEnd, noticeWithReason(EventCallEnd, callID, updated.EndReason))
	return nil
}

// Fail tears the call down after a transport error, notifying both sides.
// Safe against duplicate invocation: the second transition is illegal and
// swallowed by the registry.
func (o *Orchestrator) Fail(callID domain.CallID) {
	updated, err := o.Registry.Transition(callID, domain.EventFailed)
	if err != nil {
		return
	}
	f := noticeWithReason(EventCallEnd, callID, domain.ReasonFailed)
	for _, uid := range []domain.UserID{updated.Caller.ID, updated.Receiver.ID} {
		if err := o.Relay.Deliver(uid, f); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("user", string(uid)).Msg("failure notice")
		}
	}
}
