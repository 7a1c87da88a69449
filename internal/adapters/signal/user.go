package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

func (ctl *SignalWSController) handleRename(sid core.SessionID, conn core.SignalConnection, in inbound) {
	if in.Name == "" {
		ctl.sendError(conn, in.Type, domain.ErrUsernameEmpty)
		return
	}
	if err := ctl.Orch.Registry.UpdateUsername(sid, in.Name); err != nil {
		ctl.sendError(conn, in.Type, err)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", in.Name).Msg("rename")
	ctl.handleWhoAmI(sid, conn)

	roomID, _, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok {
		return
	}
	rs, ok := ctl.Orch.Rooms.GetRoom(roomID)
	user, known := ctl.Orch.Registry.User(sid)
	if ok && known {
		ctl.broadcastFrom(rs, sid, memberEvent{Type: "member_updated", User: user})
	}
}

func (ctl *SignalWSController) handleWhoAmI(sid core.SessionID, conn core.SignalConnection) {
	user, _ := ctl.Orch.Registry.User(sid)

	resp := struct {
		Type      string          `json:"type"`
		Identity  domain.UserID   `json:"identity"`
		Username  string          `json:"username"`
		Moderator bool            `json:"moderator,omitempty"`
		Room      domain.RoomID   `json:"room,omitempty"`
		RoomName  domain.RoomName `json:"room_name,omitempty"`
	}{
		Type:      "whoami",
		Identity:  sid.UserID(),
		Username:  user.Username,
		Moderator: ctl.Orch.IsModerator(sid),
	}
	if roomID, _, ok := ctl.Orch.Registry.RoomOf(sid); ok {
		if room, ok := ctl.Orch.Rooms.GetRoom(roomID); ok {
			resp.RoomName = room.Room().Name
			resp.Room = roomID
		}
	}
	ctl.sendJSON(conn, resp)
}
