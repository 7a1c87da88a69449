package karaoke

import (
	"encoding/json"

	"github.com/dkeye/karaoke/internal/domain"
)

// Event names are part of the wire protocol; do not rename.
const (
	EventMicRequest      = "mic.request"
	EventMicRelease      = "mic.release"
	EventMicForceRelease = "mic.forceRelease"
	EventMicQueue        = "mic.queue"
	EventMicUnqueue      = "mic.unqueue"
	EventMicMediaError   = "mic.mediaError"
	EventMicRevoked      = "mic.revoked"

	EventPhaseUpdate   = "phase.update"
	EventCountdownTick = "countdown.tick"
	EventScoreSubmit   = "score.submit"
	EventScoreResult   = "score.result"

	EventTransportOffer     = "transport.offer"
	EventTransportAnswer    = "transport.answer"
	EventTransportCandidate = "transport.candidate"
	EventTransportClosed    = "transport.closed"

	EventListenerJoin   = "listener.join"
	EventListenerLeave  = "listener.leave"
	EventListenerUpdate = "listener.update"
)

// RelayPeer addresses the server-side media relay in transport messages.
const RelayPeer domain.UserID = "sfu"

// Revoke reasons carried by mic.revoked.
const (
	ReasonKicked           = "kicked"
	ReasonMediaUnavailable = "media_unavailable"
	ReasonSourceLost       = "source_lost"
	ReasonDisconnected     = "disconnected"
)

// Event is the envelope published on the signaling channel.
type Event struct {
	Type string        `json:"type"`
	Room domain.RoomID `json:"room"`
	Data any           `json:"data,omitempty"`
}

type PhaseUpdate struct {
	Phase  domain.Phase    `json:"phase"`
	Singer domain.UserID   `json:"singer,omitempty"`
	Queue  []domain.UserID `json:"queue"`
	Turn   uint64          `json:"turn"`
}

type CountdownTick struct {
	Remaining int    `json:"remaining"`
	Turn      uint64 `json:"turn"`
}

type ScoreResult struct {
	Average float64       `json:"average"`
	Count   int           `json:"count"`
	Singer  domain.UserID `json:"singer"`
	Turn    uint64        `json:"turn"`
}

type MicRevoked struct {
	Identity domain.UserID `json:"identity"`
	Reason   string        `json:"reason"`
}

type ListenerUpdate struct {
	Listeners []domain.UserID `json:"listeners"`
}

// TransportMessage carries negotiation payloads; Payload is opaque here.
type TransportMessage struct {
	To      domain.UserID   `json:"to"`
	From    domain.UserID   `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Channel is the signaling capability a Room publishes through.
// Implementations must not block: events are published under the room lock.
type Channel interface {
	Broadcast(room domain.RoomID, ev Event) error
	Send(room domain.RoomID, to domain.UserID, ev Event) error
}
