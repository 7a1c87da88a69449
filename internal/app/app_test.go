package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	u, created := r.GetOrCreateUser("a")
	assert.True(t, created)
	assert.Equal(t, domain.UserID("a"), u.ID)
	_, created = r.GetOrCreateUser("a")
	assert.False(t, created)

	require.NoError(t, r.UpdateUsername("a", "  Alice "))
	got, ok := r.User("a")
	require.True(t, ok)
	assert.Equal(t, "Alice", got.Username)
	assert.ErrorIs(t, r.UpdateUsername("a", " "), domain.ErrUsernameEmpty)
	assert.ErrorIs(t, r.UpdateUsername("ghost", "x"), ErrUnknownSession)

	first := core.NewMemberSession(domain.NewMember(u))
	assert.Nil(t, r.BindSignal("a", first, nil))
	assert.True(t, r.UpdateRoom("a", "main"))

	room, sess, ok := r.RoomOf("a")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("main"), room)
	assert.Same(t, first, sess)
	assert.Len(t, r.MembersOfRoom("main"), 1)

	cancelled := false
	second := core.NewMemberSession(domain.NewMember(u))
	prev := r.BindSignal("a", second, func() { cancelled = true })
	assert.Nil(t, prev, "first binding had no cancel")
	assert.False(t, r.Unbind("a", first), "stale session must not unbind its replacement")
	assert.True(t, r.Cancel("a"))
	assert.True(t, cancelled)

	sid, ok := r.FindBySession(second)
	assert.True(t, ok)
	assert.Equal(t, core.SessionID("a"), sid)

	assert.True(t, r.Unbind("a", second))
	_, ok = r.GetSession("a")
	assert.False(t, ok)
}

func TestRoomManager(t *testing.T) {
	ctx := context.Background()
	var built []domain.RoomID
	m := NewRoomManager(func(id domain.RoomID) *karaoke.Room {
		built = append(built, id)
		return karaoke.NewRoom(ctx, id, karaoke.Options{Channel: nopChannel{}})
	})

	a := m.GetOrCreate("b-room")
	assert.Same(t, a, m.GetOrCreate("b-room"))
	m.GetOrCreate("a-room")
	assert.Equal(t, []domain.RoomID{"b-room", "a-room"}, built)

	require.NoError(t, a.Stage().JoinListener("x"))
	require.NoError(t, a.Stage().RequestMic("x"))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomID("a-room"), list[0].ID)
	assert.Equal(t, domain.PhaseSinging, list[1].Phase)
	assert.Equal(t, domain.UserID("x"), list[1].Singer)
	assert.Equal(t, 1, list[1].Listeners)

	m.StopRoom("b-room")
	_, ok := m.GetRoom("b-room")
	assert.False(t, ok)
	assert.ErrorIs(t, a.Stage().RequestMic("y"), karaoke.ErrRoomClosed)

	m.StopAll()
	assert.Empty(t, m.List())
}

func TestTolerantPolicy(t *testing.T) {
	p := NewTolerantPolicy(3)
	member := core.NewMemberSession(domain.NewMember(&domain.User{ID: "slow"}))

	assert.Equal(t, DropFrame, p.OnBackPressure(nil, member))
	assert.Equal(t, DropFrame, p.OnBackPressure(nil, member))
	assert.Equal(t, KickMember, p.OnBackPressure(nil, member))

	assert.Equal(t, DropFrame, p.OnBackPressure(nil, member))
	p.Forget(member)
	assert.Equal(t, DropFrame, p.OnBackPressure(nil, member))
	assert.Equal(t, DropFrame, p.OnBackPressure(nil, member))

	assert.Equal(t, KickMember, SimplePolicy{}.OnBackPressure(nil, member))
	assert.Equal(t, "kick", KickMember.String())
}

type nopChannel struct{}

func (nopChannel) Broadcast(domain.RoomID, karaoke.Event) error             { return nil }
func (nopChannel) Send(domain.RoomID, domain.UserID, karaoke.Event) error { return nil }
