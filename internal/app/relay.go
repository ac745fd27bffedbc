package app

import (
	"context"
	"sync"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

type relayEntry struct {
	session core.UserSession
	cancel  context.CancelFunc
}

// Relay is the thin directed router between call participants: no protocol
// logic, just "deliver frame to user if a signal channel is bound".
type Relay struct {
	mu    sync.RWMutex
	users map[domain.UserID]*relayEntry
}

func NewRelay() *Relay {
	return &Relay{users: make(map[domain.UserID]*relayEntry)}
}

// Bind attaches a user's signaling channel. A rebind cancels the previous
// one so a reconnecting client doesn't leave a stale pump behind.
func (r *Relay) Bind(uid domain.UserID, sess core.UserSession, cancel context.CancelFunc) {
	r.mu.Lock()
	prev := r.users[uid]
	r.users[uid] = &relayEntry{session: sess, cancel: cancel}
	r.mu.Unlock()

	if prev != nil && prev.cancel != nil {
		prev.cancel()
	}
	log.Info().Str("module", "app.relay").Str("user", string(uid)).Msg("signal channel bound")
}

func (r *Relay) Unbind(uid domain.UserID) {
	r.mu.Lock()
	delete(r.users, uid)
	r.mu.Unlock()
	log.Info().Str("module", "app.relay").Str("user", string(uid)).Msg("signal channel unbound")
}

// IsBound reports whether the user has an open signaling channel.
func (r *Relay) IsBound(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[uid]
	return ok
}

func (r *Relay) Session(uid domain.UserID) (core.UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[uid]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Deliver pushes one frame to the user's channel. ErrUnreachable when no
// channel is bound; TrySend errors (backpressure, closed) pass through for
// the policy to judge.
func (r *Relay) Deliver(uid domain.UserID, f core.Frame) error {
	sess, ok := r.Session(uid)
	if !ok {
		return domain.ErrUnreachable
	}
	return sess.Signal().TrySend(f)
}

// Shutdown unbinds every user and cancels their pump contexts. Used when
// the server stops.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	entries := make([]*relayEntry, 0, len(r.users))
	for _, e := range r.users {
		entries = append(entries, e)
	}
	r.users = make(map[domain.UserID]*relayEntry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.cancel != nil {
			e.cancel()
		}
	}
	log.Info().Str("module", "app.relay").Int("sessions", len(entries)).Msg("relay shut down")
}
