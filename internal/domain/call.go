package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CallID string

// NewCallID derives an opaque unique token from the two parties and the
// creation time. Terminal calls never reuse an ID.
func NewCallID(caller, receiver UserID) CallID {
	return CallID(fmt.Sprintf("%s:%s:%d:%s", caller, receiver, time.Now().UnixNano(), uuid.NewString()[:8]))
}

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallTypeVoice, CallTypeVideo:
		return CallType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadCallType, s)
}

type CallState string

const (
	StateIdle    CallState = "idle"
	StateCalling CallState = "calling"
	StateRinging CallState = "ringing"
	StateInCall  CallState = "in-call"
	StateEnded   CallState = "ended"
)

// Terminal reports whether no further transition may leave the state.
func (s CallState) Terminal() bool { return s == StateEnded }

type EndReason string

const (
	ReasonHangup    EndReason = "hangup" // answered, then ended by either party
	ReasonRejected  EndReason = "rejected"
	ReasonNoAnswer  EndReason = "no-answer"
	ReasonFailed    EndReason = "failed"
	ReasonCancelled EndReason = "cancelled"
)

// Role marks which side of the call this process is, fixed at creation.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// CallEvent is a lifecycle event applied to a call via the registry.
type CallEvent string

const (
	EventRinging  CallEvent = "ringing"
	EventAnswered CallEvent = "answered"
	EventRejected CallEvent = "rejected"
	EventEnded    CallEvent = "ended"
	EventFailed   CallEvent = "failed"
	EventTimeout  CallEvent = "timeout"
)

var (
	ErrAlreadyInCall  = errors.New("already in call")
	ErrUnreachable    = errors.New("user unreachable")
	ErrSelfCall       = errors.New("cannot call yourself")
	ErrCallNotFound   = errors.New("call not found")
	ErrNotParticipant = errors.New("not part of this call")
	ErrBadTransition  = errors.New("illegal call transition")
	ErrBadCallType    = errors.New("unknown call type")
)

// transitions is the authoritative lifecycle table. Failure and timeout are
// legal from every non-terminal state; nothing leaves StateEnded.
var transitions = map[CallState]map[CallEvent]CallState{
	StateCalling: {
		EventRinging:  StateRinging,
		EventAnswered: StateInCall,
		EventRejected: StateEnded,
		EventEnded:    StateEnded,
		EventTimeout:  StateEnded,
		EventFailed:   StateEnded,
	},
	StateRinging: {
		EventAnswered: StateInCall,
		EventRejected: StateEnded,
		EventEnded:    StateEnded,
		EventTimeout:  StateEnded,
		EventFailed:   StateEnded,
	},
	StateInCall: {
		EventEnded:  StateEnded,
		EventFailed: StateEnded,
	},
}

// NextState resolves one lifecycle step. The bool is false for illegal
// transitions, including anything out of a terminal state.
func NextState(from CallState, ev CallEvent) (CallState, bool) {
	next, ok := transitions[from][ev]
	return next, ok
}

// EndReasonFor maps a terminal event to the reason reported to users.
func EndReasonFor(ev CallEvent, from CallState) EndReason {
	switch ev {
	case EventRejected:
		return ReasonRejected
	case EventTimeout:
		return ReasonNoAnswer
	case EventFailed:
		return ReasonFailed
	case EventEnded:
		if from == StateInCall {
			return ReasonHangup
		}
		return ReasonCancelled
	}
	return ReasonFailed
}

// Participant is the lightweight descriptor copied into a call at initiation
// time, so later profile edits don't alter an in-progress call's display.
type Participant struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

// Call is one call attempt between two users. Values are owned by the
// registry and only mutated through its typed transition path.
type Call struct {
	ID        CallID
	Type      CallType
	State     CallState
	Caller    Participant
	Receiver  Participant
	StartedAt time.Time
	EndedAt   time.Time
	EndReason EndReason
}

// Other returns the counterpart of uid within the call.
func (c *Call) Other(uid UserID) (UserID, bool) {
	switch uid {
	case c.Caller.ID:
		return c.Receiver.ID, true
	case c.Receiver.ID:
		return c.Caller.ID, true
	}
	return "", false
}

// Has reports whether uid is one of the two parties.
func (c *Call) Has(uid UserID) bool {
	return uid == c.Caller.ID || uid == c.Receiver.ID
}
