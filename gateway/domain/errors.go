package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrChannelFull         = errors.New("stream channel full")
	ErrSerializationFailed = errors.New("serialization failed")
	ErrDownstreamTimeout   = errors.New("downstream timeout")
	ErrDownstreamError     = errors.New("downstream error")
	ErrRegistryClosed      = errors.New("stream registry closed")
)

// Error carrega o contexto de uma falha do gateway.
// errors.Is funciona tanto com o sentinela (Kind) quanto com a causa.
type Error struct {
	Op       string
	StreamID StreamID
	Kind     error
	Cause    error
}

func NewError(op string, id StreamID, kind, cause error) *Error {
	return &Error{Op: op, StreamID: id, Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.StreamID != "" {
		msg += " " + string(e.StreamID)
	}
	msg += ": " + e.Kind.Error()
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// KindOf devolve um rótulo estável para logs/métricas/HTTP.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStreamNotFound):
		return "stream_not_found"
	case errors.Is(err, ErrChannelFull):
		return "channel_full"
	case errors.Is(err, ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, ErrDownstreamTimeout):
		return "downstream_timeout"
	case errors.Is(err, ErrDownstreamError):
		return "downstream_error"
	case errors.Is(err, ErrRegistryClosed):
		return "registry_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
