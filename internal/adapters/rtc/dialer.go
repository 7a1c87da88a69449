package rtc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/app/sfu"
	"github.com/dkeye/karaoke/internal/domain"
)

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: 48000,
	Channels:  2,
}

// Dialer opens relay-to-listener connections carrying the room's singer audio.
type Dialer struct {
	api    *webrtc.API
	cfg    Config
	relays *sfu.RelayManager
}

func NewDialer(api *webrtc.API, cfg Config, relays *sfu.RelayManager) *Dialer {
	return &Dialer{api: api, cfg: cfg, relays: relays}
}

func (d *Dialer) Dial(ctx context.Context, room domain.RoomID, singer, listener domain.UserID, ev karaoke.LinkEvents) (karaoke.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := NewConnection(d.api, d.cfg, string(listener))
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(opusCapability, "audio-"+uuid.NewString(), "karaoke-"+string(room))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("new local track: %w", err)
	}
	if _, err := conn.AddLocalTrack(track); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}

	l := &downlink{conn: conn, track: track, room: room, listener: listener, relays: d.relays}
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if ev.OnCandidate == nil {
			return
		}
		if b, err := json.Marshal(ci); err == nil {
			ev.OnCandidate(b)
		}
	})
	conn.OnConnected(func() {
		conn.logger.Info().Str("singer", string(singer)).Msg("listener downlink connected")
		if ev.OnConnected != nil {
			ev.OnConnected()
		}
	})
	conn.OnClosed(func() {
		d.relays.RemoveSubscriber(room, listener, track)
		if ev.OnClosed != nil {
			ev.OnClosed()
		}
	})

	d.relays.AddSubscriber(room, listener, track)
	return l, nil
}

// downlink is one listener's receive-only session toward the relay.
type downlink struct {
	conn     *Connection
	track    *webrtc.TrackLocalStaticRTP
	room     domain.RoomID
	listener domain.UserID
	relays   *sfu.RelayManager
}

func (l *downlink) LocalOffer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := l.conn.CreateOffer()
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return json.Marshal(offer)
}

func (l *downlink) ApplyAnswer(payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return l.conn.ApplyAnswer(answer)
}

func (l *downlink) AddCandidate(payload json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return l.conn.AddICECandidate(ci)
}

func (l *downlink) Close() error {
	l.relays.RemoveSubscriber(l.room, l.listener, l.track)
	return l.conn.Close()
}
