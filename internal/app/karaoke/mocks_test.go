package karaoke

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/dkeye/karaoke/internal/domain"
)

// --- Channel ---

type recordingChannel struct {
	mu          sync.Mutex
	broadcasts  []Event
	direct      map[domain.UserID][]Event
	unavailable bool
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{direct: make(map[domain.UserID][]Event)}
}

func (c *recordingChannel) Broadcast(_ domain.RoomID, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return ErrChannelUnavailable
	}
	c.broadcasts = append(c.broadcasts, ev)
	return nil
}

func (c *recordingChannel) Send(_ domain.RoomID, to domain.UserID, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return ErrChannelUnavailable
	}
	c.direct[to] = append(c.direct[to], ev)
	return nil
}

func (c *recordingChannel) setUnavailable(v bool) {
	c.mu.Lock()
	c.unavailable = v
	c.mu.Unlock()
}

func (c *recordingChannel) ofType(typ string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.broadcasts {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *recordingChannel) sentTo(id domain.UserID, typ string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.direct[id] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// --- Dialer / Link ---

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ops)
}

func (l *opLog) count(op string) int {
	n := 0
	for _, o := range l.snapshot() {
		if o == op {
			n++
		}
	}
	return n
}

type fakeLink struct {
	listener domain.UserID
	log      *opLog
	ev       LinkEvents
	connect  bool

	mu      sync.Mutex
	closed  bool
	answers int
}

func (l *fakeLink) LocalOffer(context.Context) (json.RawMessage, error) {
	if l.connect {
		defer l.ev.OnConnected()
	}
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (l *fakeLink) ApplyAnswer(json.RawMessage) error {
	l.mu.Lock()
	l.answers++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) AddCandidate(json.RawMessage) error { return nil }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.log.add("close:" + string(l.listener))
	if l.ev.OnClosed != nil {
		l.ev.OnClosed()
	}
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeDialer struct {
	log *opLog
	// never lets negotiation complete for these listeners
	stall map[domain.UserID]bool

	mu    sync.Mutex
	links map[domain.UserID][]*fakeLink
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		log:   &opLog{},
		stall: make(map[domain.UserID]bool),
		links: make(map[domain.UserID][]*fakeLink),
	}
}

func (d *fakeDialer) Dial(_ context.Context, _ domain.RoomID, singer, listener domain.UserID, ev LinkEvents) (Link, error) {
	d.log.add("dial:" + string(listener))
	d.mu.Lock()
	defer d.mu.Unlock()
	l := &fakeLink{listener: listener, log: d.log, ev: ev, connect: !d.stall[listener]}
	d.links[listener] = append(d.links[listener], l)
	return l, nil
}

func (d *fakeDialer) latest(listener domain.UserID) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.links[listener]
	if len(ls) == 0 {
		return nil
	}
	return ls[len(ls)-1]
}

// --- ResultSink ---

type MockResultSink struct {
	mock.Mock
}

func (m *MockResultSink) SaveResult(ctx context.Context, res Result) error {
	args := m.Called(ctx, res)
	return args.Error(0)
}
