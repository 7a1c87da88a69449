package app

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotInRoom      = errors.New("not in a room")
	ErrForbidden      = errors.New("moderator rights required")
)

// StageFactory builds the karaoke coordinator of a new room.
type StageFactory func(id domain.RoomID) *karaoke.Room

type RoomManagerImpl struct {
	newStage StageFactory

	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomManager(newStage StageFactory) *RoomManagerImpl {
	return &RoomManagerImpl{
		newStage: newStage,
		rooms:    make(map[domain.RoomID]core.RoomService),
	}
}

func (f *RoomManagerImpl) GetOrCreate(id domain.RoomID) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	var stage *karaoke.Room
	if f.newStage != nil {
		stage = f.newStage(id)
	}
	room = core.NewRoomService(&domain.Room{ID: id, Name: domain.RoomName(id)}, stage)
	f.rooms[id] = room
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	return room
}

func (f *RoomManagerImpl) GetRoom(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

// List returns every room sorted by id.
func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	rooms := make([]core.RoomService, 0, len(f.rooms))
	for _, r := range f.rooms {
		rooms = append(rooms, r)
	}
	f.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		info := core.RoomInfo{
			ID:          r.Room().ID,
			Name:        r.Room().Name,
			MemberCount: r.MemberCount(),
			Phase:       domain.PhaseIdle,
		}
		if st := r.Stage(); st != nil {
			snap := st.Snapshot()
			info.Phase = snap.Phase
			info.Singer = snap.Singer
			info.Listeners = len(snap.Listeners)
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// StopRoom forgets the room and closes its stage.
func (f *RoomManagerImpl) StopRoom(id domain.RoomID) {
	f.mu.Lock()
	room, ok := f.rooms[id]
	delete(f.rooms, id)
	f.mu.Unlock()
	if !ok {
		return
	}
	if st := room.Stage(); st != nil {
		st.Close()
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room stopped")
}

// StopAll closes every room, used on shutdown.
func (f *RoomManagerImpl) StopAll() {
	f.mu.RLock()
	ids := make([]domain.RoomID, 0, len(f.rooms))
	for id := range f.rooms {
		ids = append(ids, id)
	}
	f.mu.RUnlock()
	for _, id := range ids {
		f.StopRoom(id)
	}
}
