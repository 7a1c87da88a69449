package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/app"
	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

var ErrUnknownPeer = errors.New("offers are only accepted for the relay peer")

func (o *Orchestrator) stageOf(sid core.SessionID) (*karaoke.Room, domain.RoomID, error) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return nil, "", app.ErrNotInRoom
	}
	rs, ok := o.Rooms.GetRoom(roomID)
	if !ok || rs.Stage() == nil {
		return nil, "", app.ErrNotInRoom
	}
	return rs.Stage(), roomID, nil
}

// Snapshot returns the stage state of sid's room.
func (o *Orchestrator) Snapshot(sid core.SessionID) (karaoke.Snapshot, error) {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return karaoke.Snapshot{}, err
	}
	return st.Snapshot(), nil
}

func (o *Orchestrator) IsModerator(sid core.SessionID) bool {
	sess, ok := o.Registry.GetSession(sid)
	return ok && sess.Meta().Moderator
}

func (o *Orchestrator) MicRequest(sid core.SessionID) error {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	return st.RequestMic(sid.UserID())
}

func (o *Orchestrator) MicRelease(sid core.SessionID) error {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	return st.ReleaseMic(sid.UserID())
}

// ForceRelease kicks target off the mic. Moderators only.
func (o *Orchestrator) ForceRelease(sid core.SessionID, target domain.UserID) error {
	if !o.IsModerator(sid) {
		return app.ErrForbidden
	}
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	if err := st.ForceRelease(target); err != nil {
		return err
	}
	log.Info().Str("module", "orch").Str("moderator", string(sid)).Str("target", string(target)).Msg("mic force released")
	return nil
}

func (o *Orchestrator) MicQueue(sid core.SessionID) (int, error) {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return 0, err
	}
	return st.Enqueue(sid.UserID())
}

func (o *Orchestrator) MicUnqueue(sid core.SessionID) error {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	return st.LeaveQueue(sid.UserID())
}

// MediaError aborts sid's grant after the client failed to capture audio.
func (o *Orchestrator) MediaError(sid core.SessionID, reason string) error {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	return st.SourceFailed(sid.UserID(), fmt.Errorf("%w: %s", karaoke.ErrMediaUnavailable, reason))
}

func (o *Orchestrator) SubmitScore(sid core.SessionID, score int) error {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	return st.SubmitScore(sid.UserID(), score)
}

func (o *Orchestrator) ListenerJoin(sid core.SessionID) error {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	return st.JoinListener(sid.UserID())
}

func (o *Orchestrator) ListenerLeave(sid core.SessionID) error {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	return st.LeaveListener(sid.UserID())
}

// TransportOffer handles the singer's uplink offer addressed to the relay.
// The answer is delivered as transport.answer.
func (o *Orchestrator) TransportOffer(ctx context.Context, sid core.SessionID, to domain.UserID, payload json.RawMessage) error {
	st, roomID, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	if to != karaoke.RelayPeer {
		return ErrUnknownPeer
	}
	user := sid.UserID()
	if singer, ok := st.Singer(); !ok || singer != user {
		return karaoke.ErrNotOwner
	}
	if o.Media == nil {
		return karaoke.ErrMediaUnavailable
	}

	answer, err := o.Media.Accept(ctx, roomID, user, payload, core.UplinkEvents{
		OnCandidate: func(p json.RawMessage) {
			_ = o.Send(roomID, user, relayMessage(roomID, karaoke.EventTransportCandidate, user, p))
		},
		OnReady: func() {
			if err := st.SourceReady(user); err != nil {
				log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("source ready after revoke")
			}
		},
		OnLost: func(err error) {
			if err := st.SourceFailed(user, err); err != nil {
				log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("source lost after revoke")
			}
		},
	})
	if err != nil {
		_ = st.SourceFailed(user, err)
		return fmt.Errorf("%w: %v", karaoke.ErrMediaUnavailable, err)
	}
	return o.Send(roomID, user, relayMessage(roomID, karaoke.EventTransportAnswer, user, answer))
}

// TransportOfferAsync runs TransportOffer in the background and hands its
// outcome to done, so the caller's read loop is not held while ICE gathers.
func (o *Orchestrator) TransportOfferAsync(ctx context.Context, sid core.SessionID, to domain.UserID, payload json.RawMessage, done func(error)) {
	o.bg.Go(func() {
		err := o.TransportOffer(ctx, sid, to, payload)
		if done != nil {
			done(err)
		}
	})
}

// TransportAnswer applies a listener's answer to its downlink.
func (o *Orchestrator) TransportAnswer(sid core.SessionID, payload json.RawMessage) error {
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	return st.HandleAnswer(sid.UserID(), payload)
}

// TransportCandidate routes a remote candidate to the uplink when addressed
// to the relay and to the sender's downlink otherwise.
func (o *Orchestrator) TransportCandidate(sid core.SessionID, to domain.UserID, payload json.RawMessage) error {
	if to == karaoke.RelayPeer {
		if o.Media == nil {
			return karaoke.ErrMediaUnavailable
		}
		return o.Media.AddCandidate(sid.UserID(), payload)
	}
	st, _, err := o.stageOf(sid)
	if err != nil {
		return err
	}
	return st.HandleCandidate(sid.UserID(), payload)
}

func relayMessage(room domain.RoomID, typ string, to domain.UserID, payload json.RawMessage) karaoke.Event {
	return karaoke.Event{
		Type: typ,
		Room: room,
		Data: karaoke.TransportMessage{To: to, From: karaoke.RelayPeer, Payload: payload},
	}
}
