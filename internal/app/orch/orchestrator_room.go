package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/app"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

// Connect binds a fresh signaling session to sid. Whatever an older
// connection of sid held is released and that connection is cancelled.
func (o *Orchestrator) Connect(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	if old, ok := o.Registry.GetSession(sid); ok {
		o.Leave(sid)
		if o.Policy != nil {
			o.Policy.Forget(old)
		}
	}
	if prev := o.Registry.BindSignal(sid, sess, cancel); prev != nil {
		prev()
	}
}

// Join moves sid into room, leaving its current room first.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID) (core.RoomService, error) {
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, app.ErrUnknownSession
	}
	if cur, _, ok := o.Registry.RoomOf(sid); ok {
		if cur == roomID {
			if rs, ok := o.Rooms.GetRoom(roomID); ok {
				return rs, nil
			}
		}
		o.Leave(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(cur)).Msg("left previous room")
	}

	rs := o.Rooms.GetOrCreate(roomID)
	rs.AddMember(sid, session)
	o.Registry.UpdateRoom(sid, roomID)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Msg("added to room")
	return rs, nil
}

// Leave removes sid from its room; the signaling connection stays open.
func (o *Orchestrator) Leave(sid core.SessionID) {
	o.cleanupMedia(sid)
	o.cleanupMembership(sid)
}

// KickBySID removes sid from its room and closes its connection.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Cancel(sid)
}

// Disconnect is the hook for a dropped signaling connection. It only acts if
// sess is still the session bound to sid.
func (o *Orchestrator) Disconnect(sid core.SessionID, sess core.MemberSession) {
	if cur, ok := o.Registry.GetSession(sid); !ok || cur != sess {
		return
	}
	o.Leave(sid)
	o.Registry.Unbind(sid, sess)
	if o.Policy != nil {
		o.Policy.Forget(sess)
	}
}

func (o *Orchestrator) cleanupMedia(sid core.SessionID) {
	if o.Media != nil {
		o.Media.Close(sid.UserID())
	}
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(sid)
	rs, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	rs.RemoveMember(sid)
	if st := rs.Stage(); st != nil {
		if err := st.Disconnect(sid.UserID()); err != nil {
			log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("stage disconnect")
		}
	}
	if rs.MemberCount() == 0 {
		o.stopRoom(roomID)
	}
}

// EvictRoom removes every member and stops the room.
func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.Leave(snap.SID)
	}
	o.stopRoom(id)
}

func (o *Orchestrator) stopRoom(id domain.RoomID) {
	o.Rooms.StopRoom(id)
	if o.Relays != nil {
		o.Relays.StopRelay(id)
	}
}
