package app

import (
	"sync"

	"github.com/dkeye/karaoke/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
	// Forget drops any state kept for a member that left.
	Forget(member core.MemberSession)
}

// SimplePolicy kicks a member on its first dropped frame.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.RoomService, core.MemberSession) BackpressureAction {
	return KickMember
}

func (SimplePolicy) Forget(core.MemberSession) {}

// TolerantPolicy drops frames for a slow member and kicks it once it has
// missed MaxMisses frames.
type TolerantPolicy struct {
	MaxMisses int

	mu     sync.Mutex
	misses map[core.MemberSession]int
}

func NewTolerantPolicy(maxMisses int) *TolerantPolicy {
	if maxMisses < 1 {
		maxMisses = 1
	}
	return &TolerantPolicy{MaxMisses: maxMisses, misses: make(map[core.MemberSession]int)}
}

func (p *TolerantPolicy) OnBackPressure(_ core.RoomService, member core.MemberSession) BackpressureAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.misses[member]++
	if p.misses[member] >= p.MaxMisses {
		delete(p.misses, member)
		return KickMember
	}
	return DropFrame
}

func (p *TolerantPolicy) Forget(member core.MemberSession) {
	p.mu.Lock()
	delete(p.misses, member)
	p.mu.Unlock()
}
