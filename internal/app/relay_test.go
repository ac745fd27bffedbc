package app

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// fakeConn records delivered frames; refuse makes TrySend fail.
type fakeConn struct {
	frames [][]byte
	refuse error
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	if f.refuse != nil {
		return f.refuse
	}
	f.frames = append(f.frames, fr)
	return nil
}
func (f *fakeConn) Close() { f.closed = true }

func bindUser(t *testing.T, r *Relay, uid domain.UserID) (*fakeConn, context.Context) {
	t.Helper()
	conn := &fakeConn{}
	sess := core.NewUserSession(&domain.User{ID: uid, Username: string(uid)}).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(context.Background())
	r.Bind(uid, sess, cancel)
	return conn, ctx
}

func TestDeliver_Unbound(t *testing.T) {
	r := NewRelay()
	if err := r.Deliver("ghost", []byte("x")); !errors.Is(err, domain.ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestDeliver_Bound(t *testing.T) {
	r := NewRelay()
	conn, _ := bindUser(t, r, "alice")

	if err := r.Deliver("alice", []byte("hello")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(conn.frames) != 1 || string(conn.frames[0]) != "hello" {
		t.Errorf("frames = %q", conn.frames)
	}
}

func TestDeliver_BackpressurePassesThrough(t *testing.T) {
	r := NewRelay()
	conn, _ := bindUser(t, r, "alice")
	conn.refuse = errors.New("backpressure")

	if err := r.Deliver("alice", []byte("x")); err == nil || err.Error() != "backpressure" {
		t.Errorf("expected TrySend error to pass through, got %v", err)
	}
}

func TestBind_RebindCancelsPrevious(t *testing.T) {
	r := NewRelay()
	_, prevCtx := bindUser(t, r, "alice")
	conn2, _ := bindUser(t, r, "alice")

	select {
	case <-prevCtx.Done():
	default:
		t.Error("previous pump context should be canceled on rebind")
	}
	if err := r.Deliver("alice", []byte("x")); err != nil {
		t.Fatalf("deliver after rebind: %v", err)
	}
	if len(conn2.frames) != 1 {
		t.Error("delivery should hit the new connection")
	}
}

func TestShutdown_CancelsEveryPump(t *testing.T) {
	r := NewRelay()
	_, ctxA := bindUser(t, r, "alice")
	_, ctxB := bindUser(t, r, "bob")

	r.Shutdown()

	for name, ctx := range map[string]context.Context{"alice": ctxA, "bob": ctxB} {
		select {
		case <-ctx.Done():
		default:
			t.Errorf("%s pump context should be canceled", name)
		}
	}
	if r.IsBound("alice") || r.IsBound("bob") {
		t.Error("no user may stay bound after shutdown")
	}
}

func TestUnbind(t *testing.T) {
	r := NewRelay()
	bindUser(t, r, "alice")
	r.Unbind("alice")

	if r.IsBound("alice") {
		t.Error("unbound user still reported bound")
	}
	if err := r.Deliver("alice", []byte("x")); !errors.Is(err, domain.ErrUnreachable) {
		t.Errorf("expected ErrUnreachable after unbind, got %v", err)
	}
}
