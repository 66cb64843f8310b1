package control

import (
	"context"
	"errors"
	"fmt"

	"postcast/internal/channel"
	"postcast/internal/delivery"
	"postcast/internal/storage"
)

// Kind groups control errors by how a caller should react.
type Kind string

const (
	KindInvalid      Kind = "invalid"
	KindNotFound     Kind = "not_found"
	KindPrecondition Kind = "precondition"
	KindConflict     Kind = "conflict"
	KindDelivery     Kind = "delivery"
	KindInternal     Kind = "internal"
)

// Error is the structured failure every control operation returns.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func invalid(code, msg string) *Error {
	return &Error{Kind: KindInvalid, Code: code, Message: msg}
}

// AsError classifies err into a *Error. It returns nil for nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	var failed *delivery.FailedError
	if errors.As(err, &failed) {
		code := failed.Err.Error()
		var se *channel.SendError
		if errors.As(failed.Err, &se) {
			code = se.Code
		}
		return &Error{Kind: KindDelivery, Code: code, Message: failed.Err.Error(), Err: err}
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Kind: KindNotFound, Code: "post_not_found", Message: "post not found", Err: err}
	case errors.Is(err, channel.ErrMissingToken):
		return &Error{Kind: KindPrecondition, Code: channel.ErrMissingToken.Error(), Message: "telegram bot token is not configured", Err: err}
	case errors.Is(err, channel.ErrMissingChat):
		return &Error{Kind: KindPrecondition, Code: channel.ErrMissingChat.Error(), Message: "no chat on the post and no default chat configured", Err: err}
	case errors.Is(err, delivery.ErrAlreadySent):
		return conflict("already_sent", err)
	case errors.Is(err, delivery.ErrInFlight):
		return conflict("in_flight", err)
	case errors.Is(err, delivery.ErrClaimLost):
		return conflict("claim_lost", err)
	case errors.Is(err, delivery.ErrNotPending):
		return conflict("not_pending", err)
	case errors.Is(err, delivery.ErrNotDue):
		return conflict("not_due", err)
	case errors.Is(err, storage.ErrConflict), errors.Is(err, delivery.ErrConflict):
		return conflict("state_changed", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindInternal, Code: "canceled", Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindInternal, Code: "internal_error", Message: err.Error(), Err: err}
}

func conflict(code string, err error) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: err.Error(), Err: err}
}
