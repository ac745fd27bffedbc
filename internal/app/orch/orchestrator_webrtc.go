package orch

import (
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// ForwardSignal relays one webrtc:* frame from a call participant to the
// other side, unparsed. Frames for unknown calls or from non-participants
// are dropped; the relay stays free of negotiation protocol logic.
func (o *Orchestrator) ForwardSignal(from domain.UserID, callID domain.CallID, eventType string, raw core.Frame) {
	call, ok := o.Registry.Get(callID)
	if !ok {
		log.Warn().Str("module", "orch").
			Str("call_id", string(callID)).
			Str("event", eventType).
			Msg("signal for unknown call dropped")
		return
	}
	other, isParty := call.Other(from)
	if !isParty {
		log.Warn().Str("module", "orch").
			Str("call_id", string(callID)).
			Str("user", string(from)).
			Msg("signal from non-participant dropped")
		return
	}
	o.deliver(other, callID, eventType, raw)
}
