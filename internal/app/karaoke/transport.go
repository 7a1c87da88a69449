package karaoke

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/karaoke/internal/domain"
)

type LinkState string

const (
	LinkNegotiating LinkState = "negotiating"
	LinkConnected   LinkState = "connected"
	LinkClosed      LinkState = "closed"
)

// LinkEvents are fired by a Link from its own goroutines.
type LinkEvents struct {
	OnCandidate func(payload json.RawMessage)
	OnConnected func()
	OnClosed    func()
}

// Link is one negotiated audio transport toward a listener. Payloads are
// opaque to the coordinator.
type Link interface {
	LocalOffer(ctx context.Context) (json.RawMessage, error)
	ApplyAnswer(payload json.RawMessage) error
	AddCandidate(payload json.RawMessage) error
	Close() error
}

// Dialer creates outbound links carrying the room's singer audio.
type Dialer interface {
	Dial(ctx context.Context, room domain.RoomID, singer, listener domain.UserID, ev LinkEvents) (Link, error)
}

// SessionInfo is a read-only view of one transport session.
type SessionInfo struct {
	Peer   domain.UserID `json:"peer"`
	Singer domain.UserID `json:"singer"`
	State  LinkState     `json:"state"`
}

type transportSession struct {
	peer   domain.UserID
	singer domain.UserID

	mu        sync.Mutex
	state     LinkState
	link      Link
	connected chan struct{}
	done      chan struct{}
}

func newTransportSession(singer, peer domain.UserID) *transportSession {
	return &transportSession{
		peer:      peer,
		singer:    singer,
		state:     LinkNegotiating,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *transportSession) attach(l Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == LinkClosed {
		return false
	}
	s.link = l
	return true
}

func (s *transportSession) currentLink() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == LinkClosed {
		return nil
	}
	return s.link
}

func (s *transportSession) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LinkNegotiating {
		return
	}
	s.state = LinkConnected
	close(s.connected)
}

// close is idempotent and safe to re-enter from the link's OnClosed callback.
func (s *transportSession) close() bool {
	s.mu.Lock()
	if s.state == LinkClosed {
		s.mu.Unlock()
		return false
	}
	s.state = LinkClosed
	l := s.link
	s.mu.Unlock()

	close(s.done)
	if l != nil {
		_ = l.Close()
	}
	return true
}

func (s *transportSession) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{Peer: s.peer, Singer: s.singer, State: s.state}
}

// TransportManager owns the outbound sessions of one room, at most one per
// listener.
type TransportManager struct {
	room    domain.RoomID
	dialer  Dialer
	ch      Channel
	timeout time.Duration
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	sessions map[domain.UserID]*transportSession
}

func NewTransportManager(
	parent context.Context,
	room domain.RoomID,
	dialer Dialer,
	ch Channel,
	timeout time.Duration,
	logger zerolog.Logger,
) *TransportManager {
	ctx, cancel := context.WithCancel(parent)
	return &TransportManager{
		room:     room,
		dialer:   dialer,
		ch:       ch,
		timeout:  timeout,
		logger:   logger.With().Str("component", "transport").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[domain.UserID]*transportSession),
	}
}

// Open starts a negotiation from singer toward listener. An existing live
// session from the same singer is kept; any other session for the listener is
// closed before the new one is created.
func (m *TransportManager) Open(singer, listener domain.UserID) {
	if listener == singer || m.dialer == nil {
		return
	}
	m.mu.Lock()
	old := m.sessions[listener]
	if old != nil && old.singer == singer && old.info().State != LinkClosed {
		m.mu.Unlock()
		return
	}
	sess := newTransportSession(singer, listener)
	m.sessions[listener] = sess
	m.mu.Unlock()

	if old != nil {
		old.close()
		m.logger.Debug().Str("peer", string(listener)).Str("old_singer", string(old.singer)).Msg("closed stale session before reopen")
	}

	m.wg.Go(func() { m.negotiate(sess) })
}

// OpenAll fans out to every listener.
func (m *TransportManager) OpenAll(singer domain.UserID, listeners []domain.UserID) {
	for _, l := range listeners {
		m.Open(singer, l)
	}
}

// Close tears down the session toward listener, if any.
func (m *TransportManager) Close(listener domain.UserID) {
	m.mu.Lock()
	sess, ok := m.sessions[listener]
	if ok {
		delete(m.sessions, listener)
	}
	m.mu.Unlock()
	if ok && sess.close() {
		m.logger.Debug().Str("peer", string(listener)).Msg("session closed")
	}
}

// CloseAll tears down every session and returns how many were live.
func (m *TransportManager) CloseAll() int {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[domain.UserID]*transportSession)
	m.mu.Unlock()

	n := 0
	for _, s := range all {
		if s.close() {
			n++
		}
	}
	if n > 0 {
		m.logger.Info().Int("closed", n).Msg("all sessions closed")
	}
	return n
}

// HandleAnswer applies the listener's answer to its session.
func (m *TransportManager) HandleAnswer(from domain.UserID, payload json.RawMessage) error {
	l := m.linkOf(from)
	if l == nil {
		return ErrUnknownSession
	}
	return l.ApplyAnswer(payload)
}

// HandleCandidate applies a remote candidate from the listener.
func (m *TransportManager) HandleCandidate(from domain.UserID, payload json.RawMessage) error {
	l := m.linkOf(from)
	if l == nil {
		return ErrUnknownSession
	}
	return l.AddCandidate(payload)
}

func (m *TransportManager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	return out
}

// Shutdown closes all sessions and waits for in-flight negotiations.
func (m *TransportManager) Shutdown() {
	m.CloseAll()
	m.cancel()
	m.wg.Wait()
}

func (m *TransportManager) linkOf(peer domain.UserID) Link {
	m.mu.Lock()
	sess, ok := m.sessions[peer]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.currentLink()
}

func (m *TransportManager) negotiate(s *transportSession) {
	logger := m.logger.With().Str("peer", string(s.peer)).Str("singer", string(s.singer)).Logger()

	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()

	link, err := m.dialer.Dial(ctx, m.room, s.singer, s.peer, LinkEvents{
		OnCandidate: func(p json.RawMessage) {
			_ = m.sendTransport(EventTransportCandidate, s, p, "")
		},
		OnConnected: s.markConnected,
		OnClosed: func() {
			m.drop(s, "closed")
		},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("dial failed, peer dropped from broadcast")
		m.drop(s, "dial_failed")
		return
	}
	if !s.attach(link) {
		_ = link.Close()
		return
	}

	offer, err := link.LocalOffer(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("offer failed, peer dropped from broadcast")
		m.drop(s, "offer_failed")
		return
	}
	if err := m.sendTransport(EventTransportOffer, s, offer, ""); err != nil {
		logger.Warn().Err(err).Msg("offer not delivered, peer dropped from broadcast")
		m.drop(s, "")
		return
	}

	select {
	case <-s.connected:
		logger.Info().Msg("transport connected")
	case <-s.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn().Err(ErrNegotiationTimeout).Dur("timeout", m.timeout).Msg("peer dropped from broadcast")
			m.drop(s, Code(ErrNegotiationTimeout))
		}
	}
}

// drop removes s if it is still the live session for its peer and closes it.
// A non-empty reason is reported to the peer.
func (m *TransportManager) drop(s *transportSession, reason string) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.peer]; ok && cur == s {
		delete(m.sessions, s.peer)
	}
	m.mu.Unlock()

	if s.close() && reason != "" {
		_ = m.sendTransport(EventTransportClosed, s, nil, reason)
	}
}

func (m *TransportManager) sendTransport(typ string, s *transportSession, payload json.RawMessage, reason string) error {
	return m.ch.Send(m.room, s.peer, Event{
		Type: typ,
		Room: m.room,
		Data: TransportMessage{To: s.peer, From: s.singer, Payload: payload, Reason: reason},
	})
}
