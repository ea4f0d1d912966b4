package message

import "fmt"

// ErrorKind classifies failures raised by the message-delivery and upgrade core.
type ErrorKind uint8

const (
	// KindProtocolViolation: chunk appended after termination, or a second
	// upgrade on one connection.
	KindProtocolViolation ErrorKind = iota + 1
	// KindUnsupportedUpgrade: upgrade request failed validation.
	KindUnsupportedUpgrade
	// KindListenerMisuse: second listener, or push and pull on one future.
	KindListenerMisuse
	// KindLostChunk: a chunk reached delivery with no consumer attached.
	KindLostChunk
	// KindConnectionTermination: connection reset or closed mid-message.
	KindConnectionTermination
	// KindMessageDone: the future already delivered its terminal chunk.
	KindMessageDone
)

// String returns the string representation of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case KindUnsupportedUpgrade:
		return "UNSUPPORTED_UPGRADE"
	case KindListenerMisuse:
		return "LISTENER_MISUSE"
	case KindLostChunk:
		return "LOST_CHUNK"
	case KindConnectionTermination:
		return "CONNECTION_TERMINATION"
	case KindMessageDone:
		return "MESSAGE_DONE"
	default:
		return fmt.Sprintf("UNKNOWN_KIND_%d", uint8(k))
	}
}

// Error is the typed error returned by this package and by the upgrade
// coordinator. errors.Is matches on Kind, so the sentinels below can be used
// as targets regardless of message or cause.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error // Optional underlying cause
}

// Error returns a string representation of the Error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError creates a new Error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// NewErrorWithCause creates a new Error with an underlying cause.
func NewErrorWithCause(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Sentinels for errors.Is.
var (
	ErrProtocolViolation  = NewError(KindProtocolViolation, "protocol violation")
	ErrUnsupportedUpgrade = NewError(KindUnsupportedUpgrade, "unsupported upgrade")
	ErrListenerMisuse     = NewError(KindListenerMisuse, "listener misuse")
	ErrLostChunk          = NewError(KindLostChunk, "chunk lost")
	ErrConnectionClosed   = NewError(KindConnectionTermination, "connection closed")
	ErrMessageDone        = NewError(KindMessageDone, "message already complete")
)
