package sfu

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/dkeye/karaoke/internal/domain"
)

// Source is the singer's uplink audio. *webrtc.TrackRemote satisfies it.
type Source interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// SourceHooks report source health back to the room.
type SourceHooks struct {
	// OnFirstPacket fires once, when audio starts flowing.
	OnFirstPacket func()
	// OnLost fires when reading fails before the source was detached.
	OnLost func(err error)
}

// Relay fans one room's singer audio out to its listeners. The source can be
// swapped per turn while listener tracks stay attached.
type Relay struct {
	room   domain.RoomID
	logger zerolog.Logger

	mu        sync.RWMutex
	outTracks map[domain.UserID]*OutTrack

	srcMu  sync.Mutex
	singer domain.UserID
	cancel context.CancelFunc

	forwarded atomic.Uint64
}

func NewRelay(room domain.RoomID, logger zerolog.Logger) *Relay {
	return &Relay{
		room:      room,
		logger:    logger,
		outTracks: make(map[domain.UserID]*OutTrack),
	}
}

// Attach makes src the relay's source for singer, replacing any previous one.
func (r *Relay) Attach(ctx context.Context, singer domain.UserID, src Source, hooks SourceHooks) {
	loopCtx, cancel := context.WithCancel(ctx)

	r.srcMu.Lock()
	if r.cancel != nil {
		r.logger.Info().Str("old_singer", string(r.singer)).Msg("replacing relay source")
		r.cancel()
	}
	r.singer = singer
	r.cancel = cancel
	r.srcMu.Unlock()

	logger := r.logger.With().Str("singer", string(singer)).Logger()
	logger.Info().Msg("starting relay loop")
	go r.loop(loopCtx, src, hooks, &logger)
}

// Detach stops forwarding from singer's source. Listener tracks are kept.
func (r *Relay) Detach(singer domain.UserID) bool {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	if r.cancel == nil || r.singer != singer {
		return false
	}
	r.cancel()
	r.cancel = nil
	r.singer = ""
	return true
}

// Singer reports whose audio is being relayed.
func (r *Relay) Singer() (domain.UserID, bool) {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	return r.singer, r.cancel != nil
}

func (r *Relay) loop(ctx context.Context, src Source, hooks SourceHooks, logger *zerolog.Logger) {
	first := true
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay source detached")
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if ctx.Err() != nil {
			logger.Info().Msg("relay source detached")
			return
		}
		if err != nil {
			logger.Warn().Err(err).Msg("relay read RTP error, stopping")
			if hooks.OnLost != nil {
				hooks.OnLost(err)
			}
			return
		}
		if first {
			first = false
			if hooks.OnFirstPacket != nil {
				hooks.OnFirstPacket()
			}
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []domain.UserID
	for dst, ot := range snapshot {
		if ot.GetState() == TrackStateDelete {
			dirty = append(dirty, dst)
			continue
		}
		if err := ot.Sink.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				logger.Debug().Str("listener", string(dst)).Msg("sink closed")
			} else {
				logger.Error().Err(err).Str("listener", string(dst)).Msg("relay write RTP error, marking outtrack as delete")
			}
			ot.MarkDelete()
			dirty = append(dirty, dst)
		}
	}
	r.forwarded.Add(1)

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(snapshot, dirty)
	}
}

// cleanupDeleted removes dirty tracks unless they were replaced meanwhile.
func (r *Relay) cleanupDeleted(seen map[domain.UserID]*OutTrack, dirty []domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if r.outTracks[id] == seen[id] {
			delete(r.outTracks, id)
		}
	}
}

// AddSubscriber attaches listener's sink, replacing any previous one.
func (r *Relay) AddSubscriber(listener domain.UserID, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.outTracks[listener]; ok {
		old.MarkDelete()
	}
	r.outTracks[listener] = NewOutTrack(sink)
}

// RemoveSubscriber detaches listener's sink if it is still sink.
func (r *Relay) RemoveSubscriber(listener domain.UserID, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ot, ok := r.outTracks[listener]
	if !ok || (sink != nil && ot.Sink != sink) {
		return
	}
	ot.MarkDelete()
	delete(r.outTracks, listener)
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

// Forwarded returns the number of packets relayed so far.
func (r *Relay) Forwarded() uint64 { return r.forwarded.Load() }

func (r *Relay) stop() {
	r.srcMu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
		r.singer = ""
	}
	r.srcMu.Unlock()

	r.mu.Lock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
	clear(r.outTracks)
	r.mu.Unlock()
}
