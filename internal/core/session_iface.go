package core

import "github.com/dkeye/karaoke/internal/domain"

// SessionID is the client token of one browser; it doubles as the user id.
type SessionID string

func (s SessionID) UserID() domain.UserID { return domain.UserID(s) }

// MemberSession binds domain.Member and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
}
