package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/karaoke/internal/app/sfu"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

// Uplinks holds the singer-to-relay connections, one per identity.
type Uplinks struct {
	api    *webrtc.API
	cfg    Config
	relays *sfu.RelayManager

	mu    sync.Mutex
	conns map[domain.UserID]*uplink
}

type uplink struct {
	conn    *Connection
	retired atomic.Bool
	cancel  context.CancelFunc
}

// retire marks the uplink as closed on purpose and stops its relay source
// before the connection itself goes down.
func (up *uplink) retire() {
	up.retired.Store(true)
	if up.cancel != nil {
		up.cancel()
	}
}

// reportLost wraps fn so a retired uplink never reports a lost source.
func (up *uplink) reportLost(fn func(error)) func(error) {
	if fn == nil {
		return nil
	}
	return func(err error) {
		if up.retired.Load() {
			return
		}
		fn(err)
	}
}

// ErrUplinkClosed is reported when the singer's connection goes away on its own.
var ErrUplinkClosed = errors.New("singer uplink closed")

var _ core.MediaGateway = (*Uplinks)(nil)

func NewUplinks(api *webrtc.API, cfg Config, relays *sfu.RelayManager) *Uplinks {
	return &Uplinks{
		api:    api,
		cfg:    cfg,
		relays: relays,
		conns:  make(map[domain.UserID]*uplink),
	}
}

// Accept answers the singer's offer and routes its audio track into the
// room's relay. A previous uplink from the same singer is closed first.
func (u *Uplinks) Accept(ctx context.Context, room domain.RoomID, singer domain.UserID, payload json.RawMessage, ev core.UplinkEvents) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}

	u.Close(singer)

	conn, err := NewConnection(u.api, u.cfg, string(singer))
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	// The track outlives Accept, so it is bound to its own context.
	trackCtx, cancel := context.WithCancel(context.Background())
	up := &uplink{conn: conn, cancel: cancel}
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		u.relays.StartSource(trackCtx, room, singer, track, sfu.SourceHooks{
			OnFirstPacket: ev.OnReady,
			OnLost:        up.reportLost(ev.OnLost),
		})
	})
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if ev.OnCandidate == nil {
			return
		}
		if b, err := json.Marshal(ci); err == nil {
			ev.OnCandidate(b)
		}
	})
	conn.OnClosed(func() {
		cancel()
		u.relays.StopSource(room, singer)
		u.forget(singer, up)
		if lost := up.reportLost(ev.OnLost); lost != nil {
			lost(ErrUplinkClosed)
		}
	})

	u.mu.Lock()
	u.conns[singer] = up
	u.mu.Unlock()

	answer, err := conn.ApplyOfferAndCreateAnswer(ctx, offer)
	if err != nil {
		up.retire()
		_ = conn.Close()
		return nil, fmt.Errorf("answer offer: %w", err)
	}
	return json.Marshal(answer)
}

func (u *Uplinks) AddCandidate(singer domain.UserID, payload json.RawMessage) error {
	u.mu.Lock()
	up, ok := u.conns[singer]
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("no uplink for %s", singer)
	}
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return up.conn.AddICECandidate(ci)
}

// Close drops singer's uplink, if any.
func (u *Uplinks) Close(singer domain.UserID) {
	u.mu.Lock()
	up, ok := u.conns[singer]
	delete(u.conns, singer)
	u.mu.Unlock()
	if ok {
		up.retire()
		_ = up.conn.Close()
	}
}

// CloseAll drops every uplink.
func (u *Uplinks) CloseAll() {
	u.mu.Lock()
	all := u.conns
	u.conns = make(map[domain.UserID]*uplink)
	u.mu.Unlock()
	for _, up := range all {
		up.retire()
		_ = up.conn.Close()
	}
}

func (u *Uplinks) forget(singer domain.UserID, up *uplink) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conns[singer] == up {
		delete(u.conns, singer)
	}
}
