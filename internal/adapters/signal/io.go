package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, uid domain.UserID, sess core.UserSession, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(uid)).Msg("readPump closing")
		ctl.Orch.OnDisconnect(context.WithoutCancel(ctx), uid, sess)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("user", string(uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(ctx, uid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, uid domain.UserID, c *WsSignalConn, data []byte) {
	var env struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"call_id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case orch.EventCallInitiate:
		ctl.handleInitiate(ctx, uid, c, data)
	case orch.EventCallRinging:
		ctl.Orch.Ringing(uid, env.CallID)
	case orch.EventCallAnswer:
		ctl.handleAnswer(uid, c, env.CallID)
	case orch.EventCallReject:
		ctl.handleReject(uid, c, env.CallID)
	case orch.EventCallEnd:
		ctl.handleEnd(uid, c, env.CallID)
	case orch.EventCallMute,
		orch.EventWebRTCOffer,
		orch.EventWebRTCAnswer,
		orch.EventWebRTCCandidate:
		// Opaque in-call traffic: forwarded to the other party unparsed.
		ctl.Orch.ForwardSignal(uid, env.CallID, env.Type, data)
	case "ping":
		ctl.sendJSON(c, struct {
			Type string `json:"type"`
		}{Type: "pong"})
	case "whoami":
		ctl.handleWhoAmI(ctx, uid, c)
	case "rename":
		ctl.handleRename(ctx, uid, c, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, msg string) {
	ctl.sendJSON(c, map[string]any{
		"type":  orch.EventError,
		"error": msg,
	})
}

var _ core.SignalConnection = (*WsSignalConn)(nil)
