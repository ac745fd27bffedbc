package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

func (ctl *SignalWSController) handleRename(
	ctx context.Context,
	uid domain.UserID,
	conn *WsSignalConn,
	data []byte,
) {
	type renamePayload struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	var p renamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rename payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	user, err := ctl.Orch.Presence.Profile(ctx, uid)
	if err != nil {
		ctl.sendError(conn, "unknown user")
		return
	}
	if err := user.SetUsername(p.Name); err != nil {
		ctl.sendError(conn, "invalid_name")
		return
	}

	log.Info().Str("module", "signal").Str("user", string(uid)).Str("name", p.Name).Msg("rename")
	if err := ctl.Orch.Presence.SetOnline(ctx, user); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("rename persist")
		ctl.sendError(conn, "rename failed")
		return
	}
	ctl.handleWhoAmI(ctx, uid, conn)
}

func (ctl *SignalWSController) handleWhoAmI(
	ctx context.Context,
	uid domain.UserID,
	conn *WsSignalConn,
) {
	user, err := ctl.Orch.Presence.Profile(ctx, uid)
	if err != nil {
		ctl.sendError(conn, "unknown user")
		return
	}

	resp := struct {
		Type     string        `json:"type"`
		Username string        `json:"username"`
		Call     *core.CallDTO `json:"call,omitempty"`
	}{
		Type:     "whoami",
		Username: user.Username,
	}
	if call, ok := ctl.Orch.Registry.ActiveCall(uid); ok {
		dto := core.CallToDTO(&call)
		resp.Call = &dto
	}
	ctl.sendJSON(conn, resp)
}
