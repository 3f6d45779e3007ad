package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure so callers branch on it instead of
// inspecting raw I/O errors
type Kind int

const (
	// KindTimeout means no data arrived within the idle timeout
	KindTimeout Kind = iota + 1
	// KindClosedByPeer means the stream ended before the requested bytes arrived
	KindClosedByPeer
	// KindAborted means a local stop request interrupted the read
	KindAborted
	// KindSocket is any other transport-level failure
	KindSocket
	// KindProtocol means the bytes arrived but violate the framing rules
	KindProtocol
)

// String returns a short name for the kind
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindClosedByPeer:
		return "closed_by_peer"
	case KindAborted:
		return "aborted"
	case KindSocket:
		return "socket"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

var (
	// ErrZeroLength is reported when a frame header declares zero payload bytes
	ErrZeroLength = errors.New("peer declared a zero-length frame")
	// ErrFrameTooLarge is reported when a header exceeds the configured maximum
	ErrFrameTooLarge = errors.New("declared frame length exceeds limit")
	// ErrAborted is the cause carried by KindAborted errors
	ErrAborted = errors.New("read aborted by local stop request")
	// ErrIdle is the cause carried by KindTimeout errors
	ErrIdle = errors.New("no data within read timeout")
)

// Error is the structured failure returned by Reader and the write helpers
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "read header"
	Op string
	// Got and Want are byte counts for short reads
	Got, Want int
	Err       error
}

func (e *Error) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("%s: %s after %d/%d bytes: %v", e.Op, e.Kind, e.Got, e.Want, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or 0 if err is not a transport error
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// IsKind reports whether err is a transport error of kind k
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
