package karaoke

import "errors"

var (
	ErrNotOwner           = errors.New("not the mic owner")
	ErrPhaseMismatch      = errors.New("action invalid for current phase")
	ErrAlreadyScored      = errors.New("score already submitted for this turn")
	ErrNegotiationTimeout = errors.New("transport negotiation timed out")
	ErrMediaUnavailable   = errors.New("singer media unavailable")
	ErrChannelUnavailable = errors.New("signaling channel unavailable")

	ErrSlotTaken      = errors.New("mic slot is taken")
	ErrInvalidScore   = errors.New("score out of range")
	ErrNotListener    = errors.New("not a registered listener")
	ErrAlreadyQueued  = errors.New("already queued for the mic")
	ErrAlreadySinging = errors.New("already holding the mic")
	ErrRoomClosed     = errors.New("room closed")
	ErrUnknownSession = errors.New("no transport session for peer")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotOwner, "not_owner"},
	{ErrPhaseMismatch, "phase_mismatch"},
	{ErrAlreadyScored, "already_scored"},
	{ErrNegotiationTimeout, "negotiation_timeout"},
	{ErrMediaUnavailable, "media_unavailable"},
	{ErrChannelUnavailable, "channel_unavailable"},
	{ErrSlotTaken, "slot_taken"},
	{ErrInvalidScore, "invalid_score"},
	{ErrNotListener, "not_listener"},
	{ErrAlreadyQueued, "already_queued"},
	{ErrAlreadySinging, "already_singing"},
	{ErrRoomClosed, "room_closed"},
	{ErrUnknownSession, "unknown_session"},
}

// Code maps an error to the stable code sent to clients.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
