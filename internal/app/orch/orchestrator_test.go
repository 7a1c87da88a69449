package orch

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/karaoke/internal/app"
	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) events(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		var env map[string]any
		if json.Unmarshal(f, &env) == nil && env["type"] == typ {
			out = append(out, env)
		}
	}
	return out
}

type fakeMedia struct {
	mu         sync.Mutex
	closed     []domain.UserID
	candidates []domain.UserID
	events     core.UplinkEvents
	fail       error
	// gate, when set, holds Accept until closed.
	gate chan struct{}
}

func (m *fakeMedia) Accept(_ context.Context, _ domain.RoomID, _ domain.UserID, _ json.RawMessage, ev core.UplinkEvents) (json.RawMessage, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	m.events = ev
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (m *fakeMedia) AddCandidate(singer domain.UserID, _ json.RawMessage) error {
	m.mu.Lock()
	m.candidates = append(m.candidates, singer)
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Close(singer domain.UserID) {
	m.mu.Lock()
	m.closed = append(m.closed, singer)
	m.mu.Unlock()
}

func (m *fakeMedia) wasClosed(id domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.closed, id)
}

type harness struct {
	o     *Orchestrator
	media *fakeMedia
	conns map[core.SessionID]*fakeConn
	sess  map[core.SessionID]core.MemberSession
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		media: &fakeMedia{},
		conns: make(map[core.SessionID]*fakeConn),
		sess:  make(map[core.SessionID]core.MemberSession),
	}
	o := &Orchestrator{Registry: app.NewRegistry(), Policy: app.SimplePolicy{}, Media: h.media}
	rooms := app.NewRoomManager(func(id domain.RoomID) *karaoke.Room {
		return karaoke.NewRoom(context.Background(), id, karaoke.Options{
			Channel:  o,
			Settings: karaoke.Settings{CountdownSeconds: 3, TickInterval: time.Hour},
		})
	})
	o.Rooms = rooms
	h.o = o
	t.Cleanup(func() {
		rooms.StopAll()
		o.Wait()
	})
	return h
}

func (h *harness) connect(t *testing.T, sid core.SessionID, room domain.RoomID) *fakeConn {
	t.Helper()
	user, _ := h.o.Registry.GetOrCreateUser(sid)
	conn := &fakeConn{}
	sess := core.NewMemberSession(domain.NewMember(user)).UpdateSignal(conn)
	h.o.Registry.BindSignal(sid, sess, func() {})
	h.conns[sid] = conn
	h.sess[sid] = sess
	if room != "" {
		_, err := h.o.Join(sid, room)
		require.NoError(t, err)
	}
	return conn
}

func TestMicRequestBroadcastsToRoom(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a", "r")
	b := h.connect(t, "b", "r")
	require.NoError(t, h.o.ListenerJoin("b"))

	require.NoError(t, h.o.MicRequest("a"))
	assert.ErrorIs(t, h.o.MicRequest("b"), karaoke.ErrSlotTaken)

	for _, c := range []*fakeConn{a, b} {
		phases := c.events(karaoke.EventPhaseUpdate)
		require.NotEmpty(t, phases)
		data := phases[len(phases)-1]["data"].(map[string]any)
		assert.Equal(t, "singing", data["phase"])
		assert.Equal(t, "a", data["singer"])
	}

	snap, err := h.o.Snapshot("b")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseSinging, snap.Phase)
}

func TestOperationsOutsideRoom(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "")

	assert.ErrorIs(t, h.o.MicRequest("a"), app.ErrNotInRoom)
	assert.ErrorIs(t, h.o.SubmitScore("a", 3), app.ErrNotInRoom)
	_, err := h.o.Join("ghost", "r")
	assert.ErrorIs(t, err, app.ErrUnknownSession)
}

func TestLastLeaveStopsRoom(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "r")

	_, ok := h.o.Rooms.GetRoom("r")
	require.True(t, ok)

	h.o.Leave("a")
	_, ok = h.o.Rooms.GetRoom("r")
	assert.False(t, ok)
	_, _, inRoom := h.o.Registry.RoomOf("a")
	assert.False(t, inRoom)
}

func TestJoinSwitchesRooms(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "one")
	h.connect(t, "b", "one")

	rs, err := h.o.Join("a", "two")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("two"), rs.Room().ID)

	one, ok := h.o.Rooms.GetRoom("one")
	require.True(t, ok)
	assert.Equal(t, 1, one.MemberCount())
}

func TestDisconnectRevokesSinger(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "r")
	b := h.connect(t, "b", "r")
	require.NoError(t, h.o.MicRequest("a"))

	h.o.Disconnect("a", h.sess["a"])
	h.o.Wait()

	phases := b.events(karaoke.EventPhaseUpdate)
	require.NotEmpty(t, phases)
	assert.Equal(t, "idle", phases[len(phases)-1]["data"].(map[string]any)["phase"])
	assert.True(t, h.media.wasClosed("a"))
	_, ok := h.o.Registry.GetSession("a")
	assert.False(t, ok)
}

func TestDisconnectIgnoresStaleSession(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "r")
	stale := h.sess["a"]
	h.connect(t, "a", "")

	h.o.Disconnect("a", stale)
	_, ok := h.o.Registry.GetSession("a")
	assert.True(t, ok)
}

func TestConnectReplacesOlderConnection(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "r")
	h.connect(t, "b", "r")
	require.NoError(t, h.o.MicRequest("a"))

	var cancelled bool
	h.o.Registry.BindSignal("a", h.sess["a"], func() { cancelled = true })
	h.o.Registry.UpdateRoom("a", "r")

	user, _ := h.o.Registry.GetOrCreateUser("a")
	fresh := core.NewMemberSession(domain.NewMember(user)).UpdateSignal(&fakeConn{})
	h.o.Connect("a", fresh, func() {})

	assert.True(t, cancelled)
	got, ok := h.o.Registry.GetSession("a")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	_, singing := h.o.Rooms.GetOrCreate("r").Stage().Singer()
	assert.False(t, singing)
}

func TestForceReleaseRequiresModerator(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "r")
	h.connect(t, "mod", "r")
	require.NoError(t, h.o.MicRequest("a"))

	assert.ErrorIs(t, h.o.ForceRelease("mod", "a"), app.ErrForbidden)

	h.sess["mod"].Meta().Moderator = true
	require.NoError(t, h.o.ForceRelease("mod", "a"))

	revoked := h.conns["a"].events(karaoke.EventMicRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, karaoke.ReasonKicked, revoked[0]["data"].(map[string]any)["reason"])
}

func TestQueueAndScoring(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "r")
	h.connect(t, "b", "r")
	require.NoError(t, h.o.ListenerJoin("b"))

	pos, err := h.o.MicQueue("a")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	require.NoError(t, h.o.MicRelease("a"))
	assert.ErrorIs(t, h.o.SubmitScore("a", 5), karaoke.ErrNotListener)
	require.NoError(t, h.o.SubmitScore("b", 4))

	results := h.conns["a"].events(karaoke.EventScoreResult)
	require.Len(t, results, 1)
	data := results[0]["data"].(map[string]any)
	assert.InDelta(t, 4.0, data["average"], 0.001)
	assert.EqualValues(t, 1, data["count"])

	require.NoError(t, h.o.ListenerLeave("b"))
	require.NoError(t, h.o.MicUnqueue("a"))
}

func TestTransportOfferToRelay(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a", "r")
	h.connect(t, "b", "r")
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	require.NoError(t, h.o.MicRequest("a"))
	assert.ErrorIs(t, h.o.TransportOffer(context.Background(), "a", "b", offer), ErrUnknownPeer)
	assert.ErrorIs(t, h.o.TransportOffer(context.Background(), "b", karaoke.RelayPeer, offer), karaoke.ErrNotOwner)

	require.NoError(t, h.o.TransportOffer(context.Background(), "a", karaoke.RelayPeer, offer))
	answers := a.events(karaoke.EventTransportAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "sfu", answers[0]["data"].(map[string]any)["from"])

	require.NoError(t, h.o.TransportCandidate("a", karaoke.RelayPeer, json.RawMessage(`{"candidate":""}`)))
	assert.Equal(t, []domain.UserID{"a"}, h.media.candidates)

	h.media.events.OnLost(errors.New("ice failed"))
	revoked := a.events(karaoke.EventMicRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, karaoke.ReasonMediaUnavailable, revoked[0]["data"].(map[string]any)["reason"])
}

func TestTransportOfferAsync(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a", "r")
	h.connect(t, "b", "r")
	h.media.gate = make(chan struct{})
	require.NoError(t, h.o.MicRequest("a"))

	done := make(chan error, 1)
	h.o.TransportOfferAsync(context.Background(), "a", karaoke.RelayPeer, json.RawMessage(`{"type":"offer","sdp":"v=0"}`), func(err error) {
		done <- err
	})

	// Other requests go through while the answer is pending.
	require.NoError(t, h.o.ListenerJoin("b"))
	select {
	case <-done:
		t.Fatal("offer finished before media accepted it")
	default:
	}

	close(h.media.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("offer never finished")
	}
	assert.Len(t, a.events(karaoke.EventTransportAnswer), 1)

	h.o.TransportOfferAsync(context.Background(), "b", karaoke.RelayPeer, json.RawMessage(`{}`), func(err error) {
		done <- err
	})
	assert.ErrorIs(t, <-done, karaoke.ErrNotOwner)
}

func TestTransportOfferAcceptFailureAbortsGrant(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "r")
	h.media.fail = errors.New("bad sdp")
	require.NoError(t, h.o.MicRequest("a"))

	err := h.o.TransportOffer(context.Background(), "a", karaoke.RelayPeer, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, karaoke.ErrMediaUnavailable)
	_, singing := h.o.Rooms.GetOrCreate("r").Stage().Singer()
	assert.False(t, singing)
}

func TestMediaErrorAbortsGrant(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "r")
	require.NoError(t, h.o.MicRequest("a"))

	require.NoError(t, h.o.MediaError("a", "NotAllowedError"))
	snap, err := h.o.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
}

func TestBackpressureKicksSlowMember(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a", "r")
	slow := h.connect(t, "slow", "r")

	cancelled := make(chan struct{})
	var once sync.Once
	h.o.Registry.BindSignal("slow", h.sess["slow"], func() { once.Do(func() { close(cancelled) }) })
	h.o.Registry.UpdateRoom("slow", "r")
	slow.full = true

	require.NoError(t, h.o.MicRequest("a"))
	h.o.Wait()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("slow member was not kicked")
	}
	rs, ok := h.o.Rooms.GetRoom("r")
	require.True(t, ok)
	assert.Equal(t, 1, rs.MemberCount())
}

func TestBroadcastWithoutReachableMembers(t *testing.T) {
	h := newHarness(t)
	err := h.o.Broadcast("nowhere", karaoke.Event{Type: karaoke.EventPhaseUpdate})
	assert.ErrorIs(t, err, karaoke.ErrChannelUnavailable)

	c := h.connect(t, "a", "r")
	c.full = true
	h.o.Policy = app.NewTolerantPolicy(10)
	err = h.o.MicRequest("a")
	assert.ErrorIs(t, err, karaoke.ErrChannelUnavailable)
	_, singing := h.o.Rooms.GetOrCreate("r").Stage().Singer()
	assert.False(t, singing)
}
