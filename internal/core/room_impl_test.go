package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/karaoke/internal/domain"
)

type MockSignalConnection struct {
	mock.Mock
}

func (m *MockSignalConnection) TrySend(f Frame) error {
	args := m.Called(f)
	return args.Error(0)
}

func (m *MockSignalConnection) Close() {
	m.Called()
}

func member(id string, sc SignalConnection) MemberSession {
	ms := NewMemberSession(domain.NewMember(&domain.User{ID: domain.UserID(id), Username: id}))
	if sc != nil {
		ms.UpdateSignal(sc)
	}
	return ms
}

func TestRoomBroadcast(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "main"}, nil)

	fast := &MockSignalConnection{}
	slow := &MockSignalConnection{}
	self := &MockSignalConnection{}
	frame := Frame(`{"type":"phase.update"}`)
	fast.On("TrySend", frame).Return(nil).Once()
	slow.On("TrySend", frame).Return(ErrBackpressure).Once()

	room.AddMember("a", member("a", self))
	room.AddMember("b", member("b", fast))
	slowMember := member("c", slow)
	room.AddMember("c", slowMember)

	res := room.Broadcast("a", frame)

	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)
	assert.Same(t, slowMember, res.Dropped[0])
	self.AssertNotCalled(t, "TrySend", mock.Anything)
	fast.AssertExpectations(t)
	slow.AssertExpectations(t)
}

func TestRoomSendTo(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "main"}, nil)
	sc := &MockSignalConnection{}
	sc.On("TrySend", Frame("hi")).Return(nil).Once()
	room.AddMember("a", member("a", sc))

	require.NoError(t, room.SendTo("a", Frame("hi")))
	assert.ErrorIs(t, room.SendTo("ghost", Frame("hi")), ErrMemberNotFound)

	room.RemoveMember("a")
	assert.ErrorIs(t, room.SendTo("a", Frame("hi")), ErrMemberNotFound)
	assert.Zero(t, room.MemberCount())
	sc.AssertExpectations(t)
}

func TestRoomMembersSnapshot(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "main"}, nil)
	room.AddMember("a", member("a", nil))
	mod := member("m", nil)
	mod.Meta().Moderator = true
	room.AddMember("m", mod)

	snap := room.MembersSnapshot()
	assert.ElementsMatch(t, []MemberDTO{
		{ID: "a", Username: "a"},
		{ID: "m", Username: "m", Moderator: true},
	}, snap)

	res := room.Broadcast("", Frame("x"))
	assert.Zero(t, res.SendTo)
	assert.Len(t, res.Dropped, 2, "members without a signal connection are unreachable")
}
