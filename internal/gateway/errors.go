package gateway

import (
	"errors"
	"fmt"

	"github.com/anonmeet/meet-server/internal/link"
	"github.com/anonmeet/meet-server/internal/protocol"
	"github.com/anonmeet/meet-server/internal/relay"
)

// Error is a client-facing failure carrying a protocol error code.
type Error struct {
	Code    string
	Message string
	Err     error // underlying cause, logged but never sent
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func clientError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ToProtocol maps any handler error to the error payload sent to the client.
func ToProtocol(err error) protocol.ErrorMsg {
	var (
		ge      *Error
		blocked *relay.BlockedError
	)
	switch {
	case errors.As(err, &ge):
		return protocol.NewError(ge.Code, ge.Message)
	case errors.Is(err, relay.ErrNoSession):
		return protocol.NewError(protocol.CodeNoSession, "not in a session")
	case errors.As(err, &blocked):
		return protocol.NewError(protocol.CodeTextBlocked, blocked.Reason)
	case errors.Is(err, relay.ErrInvalidText):
		return protocol.NewError(protocol.CodeInvalidText, "invalid message text")
	case errors.Is(err, link.ErrLinkNotFound), errors.Is(err, link.ErrLinkUsed):
		return protocol.NewError(protocol.CodeInvalidLink, "link is invalid or expired")
	default:
		return protocol.NewError(protocol.CodeInternal, "internal error")
	}
}
