package signal

import (
	"errors"

	"github.com/dkeye/karaoke/internal/app"
	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/app/orch"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

var (
	ErrBadPayload       = errors.New("bad payload")
	ErrUnknownType      = errors.New("unknown message type")
	ErrRateLimited      = errors.New("too many requests")
	ErrIdentityMismatch = errors.New("identity does not match the session")
)

var adapterCodes = []struct {
	err  error
	code string
}{
	{ErrBadPayload, "bad_payload"},
	{ErrUnknownType, "unknown_type"},
	{ErrRateLimited, "rate_limited"},
	{ErrIdentityMismatch, "identity_mismatch"},
	{app.ErrNotInRoom, "not_in_room"},
	{app.ErrForbidden, "forbidden"},
	{app.ErrUnknownSession, "unknown_session"},
	{orch.ErrUnknownPeer, "unknown_peer"},
	{domain.ErrUsernameEmpty, "invalid_name"},
	{domain.ErrUsernameTooLong, "invalid_name"},
}

// ErrorCode maps err to the code carried by error frames.
func ErrorCode(err error) string {
	for _, c := range adapterCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return karaoke.Code(err)
}

type errorFrame struct {
	Type    string `json:"type"`
	Request string `json:"request,omitempty"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func (ctl *SignalWSController) sendError(c core.SignalConnection, request string, err error) {
	ctl.sendJSON(c, errorFrame{Type: "error", Request: request, Code: ErrorCode(err), Error: err.Error()})
}

func (ctl *SignalWSController) handlePing(c core.SignalConnection) {
	ctl.sendJSON(c, struct {
		Type string `json:"type"`
	}{Type: "pong"})
}
