package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/karaoke/internal/domain"
)

// UplinkEvents report the singer's source state back to the room.
type UplinkEvents struct {
	// OnCandidate carries a local ICE candidate for the singer.
	OnCandidate func(payload json.RawMessage)
	// OnReady fires once audio from the singer starts flowing.
	OnReady func()
	// OnLost fires when the uplink fails on its own.
	OnLost func(err error)
}

// MediaGateway terminates singer uplinks at the relay.
type MediaGateway interface {
	// Accept answers the singer's offer and starts relaying its audio.
	Accept(ctx context.Context, room domain.RoomID, singer domain.UserID, offer json.RawMessage, ev UplinkEvents) (json.RawMessage, error)
	// AddCandidate applies a remote ICE candidate from the singer.
	AddCandidate(singer domain.UserID, payload json.RawMessage) error
	// Close drops singer's uplink. It never reports OnLost.
	Close(singer domain.UserID)
}
