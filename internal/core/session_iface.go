package core

import "github.com/dkeye/Duet/internal/domain"

type SessionID string

// UserSession binds a user's profile and its signaling endpoint.
// This is what the relay stores and delivers to.
type UserSession interface {
	Meta() *domain.User
	Signal() SignalConnection
	UpdateSignal(SignalConnection) UserSession
}

type userSession struct {
	meta *domain.User
	sig  SignalConnection
}

func NewUserSession(meta *domain.User) UserSession {
	return &userSession{meta: meta}
}

func (s *userSession) Meta() *domain.User       { return s.meta }
func (s *userSession) Signal() SignalConnection { return s.sig }

func (s *userSession) UpdateSignal(conn SignalConnection) UserSession {
	s.sig = conn
	return s
}
