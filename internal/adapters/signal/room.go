package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/app"
	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

type roomState struct {
	Type     string           `json:"type"`
	Room     domain.RoomID    `json:"room"`
	RoomName domain.RoomName  `json:"room_name"`
	Members  []core.MemberDTO `json:"members"`
	Count    int              `json:"count"`
	Stage    karaoke.Snapshot `json:"stage"`
}

type memberEvent struct {
	Type string      `json:"type"`
	User domain.User `json:"user"`
}

func stateOf(rs core.RoomService) roomState {
	st := roomState{
		Type:     "room_state",
		Room:     rs.Room().ID,
		RoomName: rs.Room().Name,
		Members:  rs.MembersSnapshot(),
		Count:    rs.MemberCount(),
	}
	if stage := rs.Stage(); stage != nil {
		st.Stage = stage.Snapshot()
	}
	return st
}

// handleJoin puts the session into a room, creating it on first use.
// With listen set the session also registers as a listener.
func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn core.SignalConnection, in inbound) {
	roomID := domain.NormalizeRoomID(in.Room)
	if roomID == "" {
		ctl.sendError(conn, in.Type, ErrBadPayload)
		return
	}
	if in.Name != "" {
		if err := ctl.Orch.Registry.UpdateUsername(sid, in.Name); err != nil {
			ctl.sendError(conn, in.Type, err)
			return
		}
		log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", in.Name).Msg("rename on join")
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("join")
	rs, err := ctl.Orch.Join(sid, roomID)
	if err != nil {
		ctl.sendError(conn, in.Type, err)
		return
	}
	if in.Listen {
		if err := ctl.Orch.ListenerJoin(sid); err != nil {
			ctl.sendError(conn, karaoke.EventListenerJoin, err)
		}
	}
	ctl.sendJSON(conn, stateOf(rs))

	if user, ok := ctl.Orch.Registry.User(sid); ok {
		ctl.broadcastFrom(rs, sid, memberEvent{Type: "member_joined", User: user})
	}
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn core.SignalConnection) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	roomID, _, ok := ctl.Orch.Registry.RoomOf(sid)

	ctl.Orch.Leave(sid)
	ctl.sendJSON(conn, struct {
		Type string `json:"type"`
	}{Type: "left"})

	if !ok {
		return
	}
	rs, exists := ctl.Orch.Rooms.GetRoom(roomID)
	user, known := ctl.Orch.Registry.User(sid)
	if exists && known {
		ctl.broadcastFrom(rs, sid, memberEvent{Type: "member_left", User: user})
	}
}

func (ctl *SignalWSController) handleState(sid core.SessionID, conn core.SignalConnection) {
	roomID, _, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok {
		ctl.sendError(conn, "state", app.ErrNotInRoom)
		return
	}
	rs, ok := ctl.Orch.Rooms.GetRoom(roomID)
	if !ok {
		ctl.sendError(conn, "state", app.ErrNotInRoom)
		return
	}
	ctl.sendJSON(conn, stateOf(rs))
}
