package core

import (
	"context"

	"github.com/dkeye/Duet/internal/domain"
)

// Presence answers "is user X reachable" and serves the lightweight profile
// snapshotted into call participant descriptors. The identity system behind
// it is an external collaborator.
type Presence interface {
	SetOnline(ctx context.Context, user *domain.User) error
	SetOffline(ctx context.Context, id domain.UserID) error
	IsOnline(ctx context.Context, id domain.UserID) (bool, error)
	Profile(ctx context.Context, id domain.UserID) (*domain.User, error)
}
