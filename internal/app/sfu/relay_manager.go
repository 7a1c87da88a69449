package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/domain"
)

// RelayManager keeps one Relay per room.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.RoomID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.RoomID]*Relay),
	}
}

// Relay returns the room's relay, creating it on first use.
func (m *RelayManager) Relay(room domain.RoomID) *Relay {
	m.mu.RLock()
	r, ok := m.relays[room]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.relays[room]; ok {
		return r
	}
	logger := log.With().
		Str("module", "relay").
		Str("room", string(room)).
		Logger()
	r = NewRelay(room, logger)
	m.relays[room] = r
	return r
}

// StartSource attaches singer's uplink to the room's relay.
func (m *RelayManager) StartSource(ctx context.Context, room domain.RoomID, singer domain.UserID, src Source, hooks SourceHooks) {
	m.Relay(room).Attach(ctx, singer, src, hooks)
}

// StopSource detaches singer's uplink if it is the room's current source.
func (m *RelayManager) StopSource(room domain.RoomID, singer domain.UserID) {
	m.mu.RLock()
	r, ok := m.relays[room]
	m.mu.RUnlock()
	if ok {
		r.Detach(singer)
	}
}

func (m *RelayManager) AddSubscriber(room domain.RoomID, listener domain.UserID, sink Sink) {
	m.Relay(room).AddSubscriber(listener, sink)
}

func (m *RelayManager) RemoveSubscriber(room domain.RoomID, listener domain.UserID, sink Sink) {
	m.mu.RLock()
	r, ok := m.relays[room]
	m.mu.RUnlock()
	if ok {
		r.RemoveSubscriber(listener, sink)
	}
}

// StopRelay stops a room's relay and forgets it.
func (m *RelayManager) StopRelay(room domain.RoomID) {
	m.mu.Lock()
	r, ok := m.relays[room]
	if ok {
		delete(m.relays, room)
	}
	m.mu.Unlock()
	if ok {
		r.stop()
	}
}

// HasRelay reports whether a relay exists for room.
func (m *RelayManager) HasRelay(room domain.RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[room]
	return ok
}
