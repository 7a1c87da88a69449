// Package karaoke coordinates a room's microphone slot, listener fan-out,
// phase machine and scoring countdown. A Room is the sole writer of its state;
// every transition is published on the injected Channel while the room lock
// is held, so all participants observe the same order.
package karaoke

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/karaoke/internal/domain"
)

type Settings struct {
	CountdownSeconds   int
	TickInterval       time.Duration
	NegotiationTimeout time.Duration
	// MediaTimeout bounds how long a granted singer may take to deliver audio.
	// Zero disables the check.
	MediaTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		CountdownSeconds:   15,
		TickInterval:       time.Second,
		NegotiationTimeout: 10 * time.Second,
		MediaTimeout:       15 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.CountdownSeconds <= 0 {
		s.CountdownSeconds = d.CountdownSeconds
	}
	if s.TickInterval <= 0 {
		s.TickInterval = d.TickInterval
	}
	if s.NegotiationTimeout <= 0 {
		s.NegotiationTimeout = d.NegotiationTimeout
	}
	return s
}

// Result is a finalized turn.
type Result struct {
	Room       domain.RoomID `json:"room"`
	Turn       uint64        `json:"turn"`
	Singer     domain.UserID `json:"singer"`
	Average    float64       `json:"average"`
	Count      int           `json:"count"`
	FinishedAt time.Time     `json:"finished_at"`
}

// ResultSink persists finalized turns.
type ResultSink interface {
	SaveResult(ctx context.Context, res Result) error
}

type Options struct {
	Channel  Channel
	Dialer   Dialer
	Ticker   TickerFactory
	Results  ResultSink
	Settings Settings
}

// Snapshot is a read-only view of a room for APIs and late joiners.
type Snapshot struct {
	Room      domain.RoomID   `json:"room"`
	Phase     domain.Phase    `json:"phase"`
	Singer    domain.UserID   `json:"singer,omitempty"`
	Queue     []domain.UserID `json:"queue"`
	Listeners []domain.UserID `json:"listeners"`
	Remaining int             `json:"remaining"`
	Turn      uint64          `json:"turn"`
	Scored    int             `json:"scored"`
	Sessions  []SessionInfo   `json:"sessions"`
}

type Room struct {
	id         domain.RoomID
	cfg        Settings
	ch         Channel
	ticker     TickerFactory
	results    ResultSink
	transports *TransportManager
	logger     zerolog.Logger
	bg         conc.WaitGroup

	mu            sync.Mutex
	closed        bool
	phase         phaseMachine
	slot          micSlot
	listeners     *listenerSet
	board         scoreboard
	turn          uint64
	performer     domain.UserID
	remaining     int
	sourceReady   bool
	stopCountdown chan struct{}
	mediaTimer    *time.Timer
}

func NewRoom(ctx context.Context, id domain.RoomID, opts Options) *Room {
	cfg := opts.Settings.withDefaults()
	ticker := opts.Ticker
	if ticker == nil {
		ticker = NewTicker
	}
	logger := log.With().Str("module", "karaoke").Str("room", string(id)).Logger()
	return &Room{
		id:         id,
		cfg:        cfg,
		ch:         opts.Channel,
		ticker:     ticker,
		results:    opts.Results,
		transports: NewTransportManager(ctx, id, opts.Dialer, opts.Channel, cfg.NegotiationTimeout, logger),
		logger:     logger,
		phase:      newPhaseMachine(),
		listeners:  newListenerSet(),
		board:      newScoreboard(),
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

// RequestMic grants the slot to id if the room is idle.
func (r *Room) RequestMic(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	switch {
	case r.phase.Is(domain.PhaseSinging):
		if singer, _ := r.slot.Singer(); singer == id {
			return ErrAlreadySinging
		}
		return ErrSlotTaken
	case r.phase.Is(domain.PhaseScoring):
		return r.phase.require(domain.PhaseIdle)
	}
	// Waiting identities go first, even if an earlier promotion was abandoned.
	if err := r.settleIdleLocked(); err != nil {
		return err
	}
	if singer, ok := r.slot.Singer(); ok {
		if singer == id {
			return nil
		}
		return ErrSlotTaken
	}
	return r.grantLocked(id)
}

// ReleaseMic ends id's performance and starts scoring.
func (r *Room) ReleaseMic(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if singer, ok := r.slot.Singer(); !ok || singer != id {
		return ErrNotOwner
	}
	if err := r.phase.transition(domain.PhaseScoring); err != nil {
		return err
	}
	_ = r.slot.release(id)
	r.stopMediaTimerLocked()
	r.transports.CloseAll()

	r.performer = id
	r.board.reset()
	r.remaining = r.cfg.CountdownSeconds
	turn := r.turn
	r.logger.Info().Str("singer", string(id)).Uint64("turn", turn).Msg("mic released, scoring started")

	if err := r.publishPhaseLocked(); err != nil {
		return err
	}
	if err := r.publishLocked(Event{Type: EventCountdownTick, Data: CountdownTick{Remaining: r.remaining, Turn: turn}}); err != nil {
		return err
	}
	r.startCountdownLocked(turn)
	return nil
}

// ForceRelease removes the current singer without scoring the performance.
func (r *Room) ForceRelease(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if singer, ok := r.slot.Singer(); !ok || singer != id {
		return ErrNotOwner
	}
	return r.revokeLocked(id, ReasonKicked)
}

// Enqueue adds id to the wait queue. In an idle room the head is granted at
// once, in which case the returned position is 0.
func (r *Room) Enqueue(id domain.UserID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRoomClosed
	}
	pos, err := r.slot.enqueue(id)
	if err != nil {
		return 0, err
	}
	if r.phase.Is(domain.PhaseIdle) {
		if err := r.settleIdleLocked(); err != nil {
			return 0, err
		}
		if singer, _ := r.slot.Singer(); singer == id {
			return 0, nil
		}
		return pos, nil
	}
	return pos, r.publishPhaseLocked()
}

// LeaveQueue removes id from the wait queue.
func (r *Room) LeaveQueue(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if !r.slot.dequeue(id) {
		return nil
	}
	return r.publishPhaseLocked()
}

// SubmitScore records id's score for the turn being scored.
func (r *Room) SubmitScore(id domain.UserID, score int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if err := r.phase.require(domain.PhaseScoring); err != nil {
		return err
	}
	if !domain.ValidScore(score) {
		return ErrInvalidScore
	}
	if id == r.performer || !r.listeners.has(id) {
		return ErrNotListener
	}
	if err := r.board.submit(id, score); err != nil {
		return err
	}
	r.logger.Debug().Str("listener", string(id)).Int("score", score).Uint64("turn", r.turn).Msg("score accepted")

	if r.board.coversAll(r.listeners.snapshot(r.performer)) {
		return r.finalizeLocked(r.turn)
	}
	return nil
}

// JoinListener registers id as a listener. During singing a session toward
// id is opened right away.
func (r *Room) JoinListener(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if !r.listeners.join(id) {
		return nil
	}
	if err := r.publishListenersLocked(); err != nil {
		return err
	}
	if singer, ok := r.slot.Singer(); ok && r.phase.Is(domain.PhaseSinging) {
		r.transports.Open(singer, id)
	}
	return nil
}

// LeaveListener deregisters id and closes its session.
func (r *Room) LeaveListener(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	return r.leaveListenerLocked(id)
}

// Disconnect releases everything id holds in the room: the slot (without
// scoring), its queue entry, its listener registration and its session.
func (r *Room) Disconnect(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	queued := r.slot.dequeue(id)
	var err error
	if singer, ok := r.slot.Singer(); ok && singer == id {
		err = r.revokeLocked(id, ReasonDisconnected)
	} else if queued {
		err = r.publishPhaseLocked()
	}
	// The registration goes even when the room could not be told.
	if lerr := r.leaveListenerLocked(id); err == nil {
		err = lerr
	}
	return err
}

// SourceReady marks the singer's uplink audio as flowing.
func (r *Room) SourceReady(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if singer, ok := r.slot.Singer(); !ok || singer != id || !r.phase.Is(domain.PhaseSinging) {
		return ErrNotOwner
	}
	r.sourceReady = true
	r.stopMediaTimerLocked()
	r.logger.Info().Str("singer", string(id)).Msg("singer source ready")
	return nil
}

// SourceFailed aborts the grant (media never arrived) or revokes the singer
// (audio dropped mid-song). Either way the room returns to idle.
func (r *Room) SourceFailed(id domain.UserID, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if singer, ok := r.slot.Singer(); !ok || singer != id {
		return ErrNotOwner
	}
	reason := ReasonMediaUnavailable
	if r.sourceReady {
		reason = ReasonSourceLost
	}
	r.logger.Warn().Err(cause).Str("singer", string(id)).Str("reason", reason).Msg("singer source failed")
	return r.revokeLocked(id, reason)
}

func (r *Room) HandleAnswer(from domain.UserID, payload []byte) error {
	return r.transports.HandleAnswer(from, payload)
}

func (r *Room) HandleCandidate(from domain.UserID, payload []byte) error {
	return r.transports.HandleCandidate(from, payload)
}

// Singer returns the current singer, if any.
func (r *Room) Singer() (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot.Singer()
}

func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	singer, _ := r.slot.Singer()
	return Snapshot{
		Room:      r.id,
		Phase:     r.phase.Current(),
		Singer:    singer,
		Queue:     r.slot.Queue(),
		Listeners: r.listeners.snapshot(""),
		Remaining: r.remaining,
		Turn:      r.turn,
		Scored:    r.board.count(),
		Sessions:  r.transports.Sessions(),
	}
}

// Close stops timers, tears down sessions and waits for background work.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stopCountdownLocked()
	r.stopMediaTimerLocked()
	r.mu.Unlock()

	r.transports.Shutdown()
	r.bg.Wait()
	r.logger.Info().Msg("room closed")
}

func (r *Room) grantLocked(id domain.UserID) error {
	if err := r.slot.grant(id); err != nil {
		return err
	}
	if err := r.phase.transition(domain.PhaseSinging); err != nil {
		_ = r.slot.release(id)
		return err
	}
	r.turn++
	r.sourceReady = false
	r.armMediaTimerLocked(id, r.turn)
	r.logger.Info().Str("singer", string(id)).Uint64("turn", r.turn).Msg("mic granted")

	if err := r.publishPhaseLocked(); err != nil {
		return err
	}
	r.transports.OpenAll(id, r.listeners.snapshot(id))
	return nil
}

// revokeLocked clears the singer, returns the room to idle and grants the
// next queued identity.
func (r *Room) revokeLocked(id domain.UserID, reason string) error {
	if err := r.phase.transition(domain.PhaseIdle); err != nil {
		return err
	}
	_ = r.slot.release(id)
	r.stopMediaTimerLocked()
	r.transports.CloseAll()
	r.sourceReady = false
	r.logger.Info().Str("singer", string(id)).Str("reason", reason).Msg("mic revoked")

	if reason != ReasonDisconnected {
		ev := Event{Type: EventMicRevoked, Room: r.id, Data: MicRevoked{Identity: id, Reason: reason}}
		if err := r.ch.Send(r.id, id, ev); err != nil {
			r.logger.Debug().Err(err).Str("singer", string(id)).Msg("revoke notice not delivered")
		}
	}
	if err := r.publishPhaseLocked(); err != nil {
		return err
	}
	return r.settleIdleLocked()
}

// finalizeLocked publishes the turn result and returns the room to idle.
// It is a no-op unless the room is still scoring turn, so the countdown and
// the all-scored path cannot both finalize.
func (r *Room) finalizeLocked(turn uint64) error {
	if !r.phase.Is(domain.PhaseScoring) || r.turn != turn {
		return nil
	}
	r.stopCountdownLocked()
	avg, count := r.board.tally()
	singer := r.performer

	r.board.reset()
	r.performer = ""
	r.remaining = 0
	if err := r.phase.transition(domain.PhaseIdle); err != nil {
		return err
	}
	r.logger.Info().Str("singer", string(singer)).Uint64("turn", turn).Float64("average", avg).Int("count", count).Msg("turn finalized")

	res := Result{Room: r.id, Turn: turn, Singer: singer, Average: avg, Count: count, FinishedAt: time.Now()}
	r.saveResult(res)

	if err := r.publishLocked(Event{Type: EventScoreResult, Data: ScoreResult{Average: avg, Count: count, Singer: singer, Turn: turn}}); err != nil {
		return err
	}
	if err := r.publishPhaseLocked(); err != nil {
		return err
	}
	return r.settleIdleLocked()
}

func (r *Room) settleIdleLocked() error {
	for r.phase.Is(domain.PhaseIdle) {
		next, ok := r.slot.next()
		if !ok {
			return nil
		}
		if err := r.grantLocked(next); err != nil {
			if errors.Is(err, ErrChannelUnavailable) {
				return err
			}
			r.logger.Warn().Err(err).Str("identity", string(next)).Msg("queued grant failed")
		}
	}
	return nil
}

func (r *Room) leaveListenerLocked(id domain.UserID) error {
	if !r.listeners.leave(id) {
		return nil
	}
	r.transports.Close(id)
	if err := r.publishListenersLocked(); err != nil {
		return err
	}
	if r.phase.Is(domain.PhaseScoring) && r.board.coversAll(r.listeners.snapshot(r.performer)) {
		return r.finalizeLocked(r.turn)
	}
	return nil
}

func (r *Room) startCountdownLocked(turn uint64) {
	stop := make(chan struct{})
	r.stopCountdown = stop
	ticks, stopTicker := r.ticker(r.cfg.TickInterval)
	go r.runCountdown(turn, ticks, stopTicker, stop)
}

func (r *Room) runCountdown(turn uint64, ticks <-chan time.Time, stopTicker func(), stop <-chan struct{}) {
	defer stopTicker()
	for {
		select {
		case <-stop:
			return
		case <-ticks:
			if !r.tick(turn) {
				return
			}
		}
	}
}

// tick advances the countdown of turn by one step and reports whether it
// should keep running.
func (r *Room) tick(turn uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.phase.Is(domain.PhaseScoring) || r.turn != turn {
		return false
	}
	if r.remaining > 0 {
		r.remaining--
	}
	if err := r.publishLocked(Event{Type: EventCountdownTick, Data: CountdownTick{Remaining: r.remaining, Turn: turn}}); err != nil {
		return false
	}
	if r.remaining == 0 {
		if err := r.finalizeLocked(turn); err != nil {
			r.logger.Warn().Err(err).Uint64("turn", turn).Msg("finalize on countdown expiry")
		}
		return false
	}
	return true
}

func (r *Room) stopCountdownLocked() {
	if r.stopCountdown != nil {
		close(r.stopCountdown)
		r.stopCountdown = nil
	}
}

func (r *Room) armMediaTimerLocked(singer domain.UserID, turn uint64) {
	r.stopMediaTimerLocked()
	if r.cfg.MediaTimeout <= 0 {
		return
	}
	r.mediaTimer = time.AfterFunc(r.cfg.MediaTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || r.turn != turn || r.sourceReady || !r.phase.Is(domain.PhaseSinging) {
			return
		}
		r.logger.Warn().Err(ErrMediaUnavailable).Str("singer", string(singer)).Dur("timeout", r.cfg.MediaTimeout).Msg("singer audio never arrived")
		if err := r.revokeLocked(singer, ReasonMediaUnavailable); err != nil {
			r.logger.Warn().Err(err).Msg("revoke after media timeout")
		}
	})
}

func (r *Room) stopMediaTimerLocked() {
	if r.mediaTimer != nil {
		r.mediaTimer.Stop()
		r.mediaTimer = nil
	}
}

func (r *Room) publishPhaseLocked() error {
	singer, _ := r.slot.Singer()
	return r.publishLocked(Event{Type: EventPhaseUpdate, Data: PhaseUpdate{
		Phase:  r.phase.Current(),
		Singer: singer,
		Queue:  r.slot.Queue(),
		Turn:   r.turn,
	}})
}

func (r *Room) publishListenersLocked() error {
	return r.publishLocked(Event{Type: EventListenerUpdate, Data: ListenerUpdate{Listeners: r.listeners.snapshot("")}})
}

// publishLocked broadcasts ev. Losing the channel abandons the room's
// in-progress work; partial delivery is left to the channel's own policy.
func (r *Room) publishLocked(ev Event) error {
	ev.Room = r.id
	err := r.ch.Broadcast(r.id, ev)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChannelUnavailable) {
		r.abandonLocked(err)
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	r.logger.Debug().Err(err).Str("event", ev.Type).Msg("partial broadcast")
	return nil
}

// abandonLocked drops all in-progress work without publishing anything.
func (r *Room) abandonLocked(cause error) {
	r.logger.Warn().Err(cause).Str("phase", string(r.phase.Current())).Msg("signaling lost, abandoning room state")
	r.stopCountdownLocked()
	r.stopMediaTimerLocked()
	r.transports.CloseAll()
	r.slot.singer = ""
	r.phase = newPhaseMachine()
	r.board.reset()
	r.performer = ""
	r.remaining = 0
	r.sourceReady = false
}

func (r *Room) saveResult(res Result) {
	if r.results == nil {
		return
	}
	r.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.results.SaveResult(ctx, res); err != nil {
			r.logger.Error().Err(err).Uint64("turn", res.Turn).Msg("save result")
		}
	})
}
