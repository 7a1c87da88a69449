package orch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/karaoke/internal/app"
	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/app/sfu"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

// Orchestrator glues sessions, rooms and media together. It is also the
// signaling Channel every karaoke stage publishes through.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomFactory
	Policy   app.Policy
	Relays   *sfu.RelayManager
	Media    core.MediaGateway

	bg conc.WaitGroup
}

var _ karaoke.Channel = (*Orchestrator)(nil)

// Broadcast delivers ev to every member of room. It fails with
// ErrChannelUnavailable when nobody in the room can be reached.
func (o *Orchestrator) Broadcast(room domain.RoomID, ev karaoke.Event) error {
	rs, ok := o.Rooms.GetRoom(room)
	if !ok {
		return fmt.Errorf("%w: room %s is gone", karaoke.ErrChannelUnavailable, room)
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}

	res := rs.Broadcast("", frame)
	o.observe(room, ev)
	if len(res.Dropped) > 0 {
		o.onDropped(rs, res.Dropped)
	}
	if res.SendTo == 0 {
		return fmt.Errorf("%w: nobody reachable in %s", karaoke.ErrChannelUnavailable, room)
	}
	return nil
}

// Send delivers ev to a single member of room.
func (o *Orchestrator) Send(room domain.RoomID, to domain.UserID, ev karaoke.Event) error {
	rs, ok := o.Rooms.GetRoom(room)
	if !ok {
		return fmt.Errorf("%w: room %s is gone", karaoke.ErrChannelUnavailable, room)
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	o.observe(room, ev)
	if err := rs.SendTo(to, frame); err != nil {
		if errors.Is(err, core.ErrMemberNotFound) || errors.Is(err, core.ErrConnClosed) {
			return fmt.Errorf("%w: %v", karaoke.ErrChannelUnavailable, err)
		}
		return err
	}
	return nil
}

// observe keeps media in step with the stage: uplinks of anyone who is no
// longer the singer are closed.
func (o *Orchestrator) observe(room domain.RoomID, ev karaoke.Event) {
	if o.Media == nil {
		return
	}
	switch data := ev.Data.(type) {
	case karaoke.MicRevoked:
		o.closeUplinks(data.Identity)
	case karaoke.PhaseUpdate:
		var stale []domain.UserID
		for _, snap := range o.Registry.MembersOfRoom(room) {
			if id := snap.SID.UserID(); id != data.Singer {
				stale = append(stale, id)
			}
		}
		o.closeUplinks(stale...)
	}
}

// closeUplinks runs off the caller's goroutine since stages publish under
// their lock.
func (o *Orchestrator) closeUplinks(ids ...domain.UserID) {
	if len(ids) == 0 {
		return
	}
	o.bg.Go(func() {
		for _, id := range ids {
			o.Media.Close(id)
		}
	})
}

func (o *Orchestrator) onDropped(rs core.RoomService, dropped []core.MemberSession) {
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		action := o.Policy.OnBackPressure(rs, slow)
		sid, ok := o.Registry.FindBySession(slow)
		if !ok {
			continue
		}
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("action", action.String()).Msg("backpressure")
		switch action {
		case app.KickMember:
			o.bg.Go(func() { o.KickBySID(sid) })
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

// Wait blocks until background cleanups finish.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}
