// Package call owns the user-visible call lifecycle on one side of a call:
// idle, calling/ringing, in-call, ended. It is coupled to the rest of the
// application only through the Signaler and the core media interfaces.
package call

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// Signaler is the only surface the call package needs from the signaling
// layer: push one envelope to the relay, subscribe to inbound ones.
type Signaler interface {
	Send(v any) error
	Subscribe() (ch chan Envelope, cancel func())
}

// Envelope is the wire shape of every signal event, inbound and outbound.
// Unused fields stay empty per event type.
type Envelope struct {
	Type   string           `json:"type"`
	CallID domain.CallID    `json:"call_id,omitempty"`
	Reason domain.EndReason `json:"reason,omitempty"`
	Call   *core.CallDTO    `json:"call,omitempty"`

	// call:initiate request fields
	ReceiverID domain.UserID   `json:"receiver_id,omitempty"`
	CallType   domain.CallType `json:"call_type,omitempty"`

	// webrtc:* fields
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`

	// call:mute fields
	Muted bool           `json:"muted"`
	Kind  core.MediaKind `json:"kind,omitempty"`

	// error frames
	Error string `json:"error,omitempty"`
}

// Notification is the single user-facing terminal report per call.
// Silent is set for an answered call ended normally: the call screen just
// closes, no message is shown.
type Notification struct {
	CallID domain.CallID
	Reason domain.EndReason
	Silent bool
}

var (
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrNoActiveCall     = errors.New("no active call")
)
