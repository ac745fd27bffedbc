package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
)

func (ctl *SignalWSController) handleInitiate(ctx context.Context, uid domain.UserID, c *WsSignalConn, data []byte) {
	if !ctl.Limiter.Allow(uid) {
		log.Warn().Str("module", "signal").Str("user", string(uid)).Msg("call rate limited")
		ctl.sendError(c, "too many call attempts")
		return
	}

	var req struct {
		ReceiverID domain.UserID `json:"receiver_id"`
		CallType   string        `json:"call_type"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendError(c, "bad call:initiate payload")
		return
	}

	t, err := domain.ParseCallType(req.CallType)
	if err != nil {
		ctl.sendError(c, "unknown call type")
		return
	}

	if _, err := ctl.Orch.Initiate(ctx, uid, req.ReceiverID, t); err != nil {
		log.Warn().Err(err).
			Str("module", "signal").
			Str("caller", string(uid)).
			Str("receiver", string(req.ReceiverID)).
			Msg("initiate refused")
		switch {
		case errors.Is(err, domain.ErrAlreadyInCall):
			// Busy receiver already produced a call:busy notice.
			if ctl.Orch.InCall(uid) {
				ctl.sendError(c, "already in a call")
			}
		case errors.Is(err, domain.ErrSelfCall):
			ctl.sendError(c, "cannot call yourself")
		case errors.Is(err, domain.ErrUnreachable):
			ctl.sendError(c, "user unavailable")
		default:
			ctl.sendError(c, "call failed")
		}
	}
}

func (ctl *SignalWSController) handleAnswer(uid domain.UserID, c *WsSignalConn, callID domain.CallID) {
	if err := ctl.Orch.Answer(uid, callID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("call", string(callID)).Msg("answer refused")
		ctl.sendError(c, "cannot answer call")
	}
}

func (ctl *SignalWSController) handleReject(uid domain.UserID, c *WsSignalConn, callID domain.CallID) {
	if err := ctl.Orch.Reject(uid, callID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("call", string(callID)).Msg("reject refused")
	}
}

func (ctl *SignalWSController) handleEnd(uid domain.UserID, c *WsSignalConn, callID domain.CallID) {
	if err := ctl.Orch.HangUp(uid, callID); err != nil {
		// Hanging up a call that already ended is a normal race.
		log.Debug().Err(err).Str("module", "signal").Str("call", string(callID)).Msg("hangup ignored")
	}
}
