package core

import (
	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID        domain.UserID `json:"id"`
	Username  string        `json:"username"`
	Moderator bool          `json:"moderator,omitempty"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set and the karaoke stage but never touches
// transport resources.
type RoomService interface {
	Room() *domain.Room
	Stage() *karaoke.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	Broadcast(from SessionID, data Frame) PublishResult
	SendTo(user domain.UserID, data Frame) error
}

type RoomInfo struct {
	ID          domain.RoomID   `json:"id"`
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"client_count"`
	Phase       domain.Phase    `json:"phase"`
	Singer      domain.UserID   `json:"singer,omitempty"`
	Listeners   int             `json:"listeners"`
}

type RoomFactory interface {
	GetOrCreate(id domain.RoomID) RoomService
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
