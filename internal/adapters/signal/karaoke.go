package signal

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/app"
	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

const offerTimeout = 10 * time.Second

type queuedResp struct {
	Type     string        `json:"type"`
	Room     domain.RoomID `json:"room"`
	Position int           `json:"position"`
}

// checkRequest rejects requests naming another room or, except for
// mic.forceRelease, another identity than the session's own.
func (ctl *SignalWSController) checkRequest(sid core.SessionID, in inbound) (domain.RoomID, error) {
	roomID, _, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok {
		return "", app.ErrNotInRoom
	}
	if in.Room != "" && domain.NormalizeRoomID(in.Room) != roomID {
		return "", app.ErrNotInRoom
	}
	if in.Type != karaoke.EventMicForceRelease && in.Identity != "" && domain.UserID(in.Identity) != sid.UserID() {
		return "", ErrIdentityMismatch
	}
	return roomID, nil
}

func (ctl *SignalWSController) handleKaraoke(ctx context.Context, sid core.SessionID, conn core.SignalConnection, in inbound) {
	roomID, err := ctl.checkRequest(sid, in)
	if err != nil {
		ctl.sendError(conn, in.Type, err)
		return
	}
	uid := sid.UserID()

	switch in.Type {
	case karaoke.EventMicRequest:
		if !ctl.MicLimit.Allow(uid) {
			err = ErrRateLimited
			break
		}
		err = ctl.Orch.MicRequest(sid)
	case karaoke.EventMicRelease:
		err = ctl.Orch.MicRelease(sid)
	case karaoke.EventMicForceRelease:
		if in.Identity == "" {
			err = ErrBadPayload
			break
		}
		err = ctl.Orch.ForceRelease(sid, domain.UserID(in.Identity))
	case karaoke.EventMicQueue:
		if !ctl.MicLimit.Allow(uid) {
			err = ErrRateLimited
			break
		}
		var pos int
		if pos, err = ctl.Orch.MicQueue(sid); err == nil {
			ctl.sendJSON(conn, queuedResp{Type: "mic.queued", Room: roomID, Position: pos})
		}
	case karaoke.EventMicUnqueue:
		err = ctl.Orch.MicUnqueue(sid)
	case karaoke.EventMicMediaError:
		err = ctl.Orch.MediaError(sid, in.Reason)
	case karaoke.EventScoreSubmit:
		if !ctl.ScoreLimit.Allow(uid) {
			err = ErrRateLimited
			break
		}
		err = ctl.Orch.SubmitScore(sid, in.Score)
	case karaoke.EventListenerJoin:
		err = ctl.Orch.ListenerJoin(sid)
	case karaoke.EventListenerLeave:
		err = ctl.Orch.ListenerLeave(sid)
	case karaoke.EventTransportOffer:
		if len(in.Payload) == 0 {
			err = ErrBadPayload
			break
		}
		octx, cancel := context.WithTimeout(ctx, offerTimeout)
		ctl.Orch.TransportOfferAsync(octx, sid, domain.UserID(in.To), in.Payload, func(err error) {
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", karaoke.EventTransportOffer).Msg("offer rejected")
				ctl.sendError(conn, karaoke.EventTransportOffer, err)
			}
		})
	case karaoke.EventTransportAnswer:
		err = ctl.Orch.TransportAnswer(sid, in.Payload)
	case karaoke.EventTransportCandidate:
		err = ctl.Orch.TransportCandidate(sid, domain.UserID(in.To), in.Payload)
	}

	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", in.Type).Msg("request rejected")
		ctl.sendError(conn, in.Type, err)
	}
}
