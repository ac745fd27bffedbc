package app

import (
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

type callEntry struct {
	call  *domain.Call
	timer *time.Timer
}

// CallRegistry owns every in-flight call and enforces exactly one per user.
// Call values never leave the registry by reference; accessors hand out
// copies and mutation happens only through Transition.
type CallRegistry struct {
	mu     sync.Mutex
	calls  map[domain.CallID]*callEntry
	byUser map[domain.UserID]domain.CallID

	ringTimeout time.Duration

	// reachable is consulted at initiate; nil means "assume reachable".
	reachable func(domain.UserID) bool
	// onTimeout fires once when the ring timer expires, after the registry
	// has already applied the terminal transition. Never called under mu.
	onTimeout func(domain.Call)
}

func NewCallRegistry(ringTimeout time.Duration) *CallRegistry {
	return &CallRegistry{
		calls:       make(map[domain.CallID]*callEntry),
		byUser:      make(map[domain.UserID]domain.CallID),
		ringTimeout: ringTimeout,
	}
}

// SetReachable installs the "does this user have an open signal channel" check.
func (r *CallRegistry) SetReachable(fn func(domain.UserID) bool) { r.reachable = fn }

// SetTimeoutHandler installs the no-answer notification hook.
func (r *CallRegistry) SetTimeoutHandler(fn func(domain.Call)) { r.onTimeout = fn }

// Initiate creates a new call in StateCalling and arms the ring timer.
// Both parties are registered immediately so a concurrent second attempt by
// either of them fails before any peer connection is constructed.
func (r *CallRegistry) Initiate(caller, receiver domain.Participant, t domain.CallType) (domain.Call, error) {
	if caller.ID == receiver.ID {
		return domain.Call{}, domain.ErrSelfCall
	}
	if r.reachable != nil && !r.reachable(receiver.ID) {
		return domain.Call{}, domain.ErrUnreachable
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.byUser[caller.ID]; busy {
		return domain.Call{}, domain.ErrAlreadyInCall
	}
	if _, busy := r.byUser[receiver.ID]; busy {
		return domain.Call{}, domain.ErrAlreadyInCall
	}

	call := &domain.Call{
		ID:        domain.NewCallID(caller.ID, receiver.ID),
		Type:      t,
		State:     domain.StateCalling,
		Caller:    caller,
		Receiver:  receiver,
		StartedAt: time.Now(),
	}
	entry := &callEntry{call: call}
	entry.timer = time.AfterFunc(r.ringTimeout, func() { r.expire(call.ID) })

	r.calls[call.ID] = entry
	r.byUser[caller.ID] = call.ID
	r.byUser[receiver.ID] = call.ID

	log.Info().Str("module", "app.registry").
		Str("call_id", string(call.ID)).
		Str("caller", string(caller.ID)).
		Str("receiver", string(receiver.ID)).
		Str("type", string(t)).
		Msg("call initiated")
	return *call, nil
}

// Transition applies one lifecycle event. Illegal transitions are expected
// under relay races (duplicate or late delivery) and come back as
// ErrBadTransition after a logged warning; callers drop them.
// Terminal transitions remove the call and cancel its ring timer.
func (r *CallRegistry) Transition(id domain.CallID, ev domain.CallEvent) (domain.Call, error) {
	r.mu.Lock()
	entry, ok := r.calls[id]
	if !ok {
		r.mu.Unlock()
		log.Warn().Str("module", "app.registry").Str("call_id", string(id)).Str("event", string(ev)).Msg("transition for unknown call dropped")
		return domain.Call{}, domain.ErrCallNotFound
	}

	from := entry.call.State
	next, legal := domain.NextState(from, ev)
	if !legal {
		r.mu.Unlock()
		log.Warn().Str("module", "app.registry").
			Str("call_id", string(id)).
			Str("from", string(from)).
			Str("event", string(ev)).
			Msg("illegal transition dropped")
		return domain.Call{}, domain.ErrBadTransition
	}

	entry.call.State = next
	if next.Terminal() {
		entry.call.EndedAt = time.Now()
		entry.call.EndReason = domain.EndReasonFor(ev, from)
		entry.timer.Stop()
		delete(r.calls, id)
		delete(r.byUser, entry.call.Caller.ID)
		delete(r.byUser, entry.call.Receiver.ID)
	} else if next == domain.StateInCall {
		// Answered: the ring timer must never fire against a live call.
		entry.timer.Stop()
	}
	snapshot := *entry.call
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").
		Str("call_id", string(id)).
		Str("from", string(from)).
		Str("to", string(next)).
		Str("event", string(ev)).
		Msg("call transition")
	return snapshot, nil
}

// expire is the ring timer path. The state check inside Transition makes it
// exactly-once: an already-answered or already-removed call comes back as an
// error and no notification fires.
func (r *CallRegistry) expire(id domain.CallID) {
	call, err := r.Transition(id, domain.EventTimeout)
	if err != nil {
		return
	}
	log.Info().Str("module", "app.registry").Str("call_id", string(id)).Msg("call timed out, no answer")
	if r.onTimeout != nil {
		r.onTimeout(call)
	}
}

// ActiveCall returns a copy of the user's current call, if any.
func (r *CallRegistry) ActiveCall(uid domain.UserID) (domain.Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUser[uid]
	if !ok {
		return domain.Call{}, false
	}
	return *r.calls[id].call, true
}

// InCall is the synchronous "is any call active for this user" query the UI
// uses to block starting a second call.
func (r *CallRegistry) InCall(uid domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byUser[uid]
	return ok
}

// Get returns a copy of the call by id.
func (r *CallRegistry) Get(id domain.CallID) (domain.Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.calls[id]
	if !ok {
		return domain.Call{}, false
	}
	return *entry.call, true
}

// Count reports the number of in-flight calls.
func (r *CallRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
