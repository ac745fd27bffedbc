package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *CallRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator) *SignalWSController {
	return &SignalWSController{
		Orch:    o,
		Limiter: NewCallRateLimiter(5, time.Minute),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	user := &domain.User{ID: uid, Username: "guest"}
	if name := c.Query("name"); name != "" {
		if err := user.SetUsername(name); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("bad name, keeping guest")
		}
	}

	sess := core.NewUserSession(user).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(ctx, user, sess, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, uid, sess, conn)
}
