package orch

import (
	"encoding/json"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Signal event types carried over the relay. The webrtc:* payloads are
// forwarded opaquely; the server never parses SDP.
const (
	EventCallInitiate = "call:initiate"
	EventCallRinging  = "call:ringing"
	EventCallAnswer   = "call:answer"
	EventCallReject   = "call:reject"
	EventCallEnd      = "call:end"
	EventCallBusy     = "call:busy"
	EventCallMute     = "call:mute"

	EventWebRTCOffer     = "webrtc:offer"
	EventWebRTCAnswer    = "webrtc:answer"
	EventWebRTCCandidate = "webrtc:ice-candidate"

	// EventError is the server's refusal frame for a request that produced
	// no call (offline receiver, self-call, rate limit).
	EventError = "error"
)

// CallNotice is the envelope for lifecycle events pushed by the server.
type CallNotice struct {
	Type   string           `json:"type"`
	CallID domain.CallID    `json:"call_id"`
	Reason domain.EndReason `json:"reason,omitempty"`
	Call   *core.CallDTO    `json:"call,omitempty"`
}

func encode(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("event marshal")
		return nil
	}
	return b
}

func notice(typ string, id domain.CallID) core.Frame {
	return encode(CallNotice{Type: typ, CallID: id})
}

func noticeWithReason(typ string, id domain.CallID, reason domain.EndReason) core.Frame {
	return encode(CallNotice{Type: typ, CallID: id, Reason: reason})
}

func noticeWithCall(typ string, c domain.Call) core.Frame {
	dto := core.CallToDTO(&c)
	return encode(CallNotice{Type: typ, CallID: c.ID, Call: &dto})
}
