package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/core"
)

// inbound is a client request. Fields may be sent flat or nested in data.
type inbound struct {
	Type     string          `json:"type"`
	Room     string          `json:"room,omitempty"`
	Identity string          `json:"identity,omitempty"`
	Name     string          `json:"name,omitempty"`
	Listen   bool            `json:"listen,omitempty"`
	Score    int             `json:"score,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	To       string          `json:"to,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func decodeInbound(data []byte) (inbound, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return in, err
	}
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return in, nil
	}
	var nested inbound
	if err := json.Unmarshal(in.Data, &nested); err != nil {
		return in, err
	}
	if in.Room == "" {
		in.Room = nested.Room
	}
	if in.Identity == "" {
		in.Identity = nested.Identity
	}
	if in.Name == "" {
		in.Name = nested.Name
	}
	in.Listen = in.Listen || nested.Listen
	if in.Score == 0 {
		in.Score = nested.Score
	}
	if in.Reason == "" {
		in.Reason = nested.Reason
	}
	if in.To == "" {
		in.To = nested.To
	}
	if len(in.Payload) == 0 {
		in.Payload = nested.Payload
	}
	return in, nil
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.PingPeriod > 0 {
		t := time.NewTicker(ctl.PingPeriod)
		defer t.Stop()
		ping = t.C
	}
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
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
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid core.SessionID, sess core.MemberSession, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		c.Close()
		ctl.Orch.Disconnect(sid, sess)
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	extend := func() {}
	if ctl.PingPeriod > 0 {
		wait := ctl.PingPeriod * 10 / 9
		extend = func() { _ = c.conn.SetReadDeadline(time.Now().Add(wait)) }
		c.conn.SetPongHandler(func(string) error { extend(); return nil })
	}
	extend()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			extend()
			ctl.handleSignal(ctx, sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, c core.SignalConnection, data []byte) {
	in, err := decodeInbound(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "", ErrBadPayload)
		return
	}

	switch in.Type {
	case "join":
		ctl.handleJoin(sid, c, in)
	case "leave":
		ctl.handleLeave(sid, c)
	case "state":
		ctl.handleState(sid, c)
	case "ping":
		ctl.handlePing(c)
	case "rename":
		ctl.handleRename(sid, c, in)
	case "whoami":
		ctl.handleWhoAmI(sid, c)
	case karaoke.EventMicRequest, karaoke.EventMicRelease, karaoke.EventMicForceRelease,
		karaoke.EventMicQueue, karaoke.EventMicUnqueue, karaoke.EventMicMediaError,
		karaoke.EventScoreSubmit, karaoke.EventListenerJoin, karaoke.EventListenerLeave,
		karaoke.EventTransportOffer, karaoke.EventTransportAnswer, karaoke.EventTransportCandidate:
		ctl.handleKaraoke(ctx, sid, c, in)
	default:
		log.Warn().Str("module", "signal").Str("type", in.Type).Msg("unknown signal")
		ctl.sendError(c, in.Type, ErrUnknownType)
	}
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

func (ctl *SignalWSController) broadcastFrom(rs core.RoomService, sid core.SessionID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	rs.Broadcast(sid, b)
}
