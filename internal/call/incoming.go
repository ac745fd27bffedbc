package call

import (
	"context"

	"github.com/dkeye/Duet/internal/core"
)

// IncomingCall is handed to registered handlers when a call:initiate event
// arrives for this user. Exactly one of Accept or Reject should be called.
type IncomingCall struct {
	Call core.CallDTO

	// Accept acquires local media (this is the first moment permission may
	// be requested from the user) and answers the call.
	Accept func(ctx context.Context) (*Session, error)

	// Reject declines the call; the caller is notified with reason rejected.
	Reject func()
}
