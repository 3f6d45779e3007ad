package session

import (
	"net"
	"strconv"
	"time"

	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
)

// State is a session lifecycle state
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateDisconnecting
	// StateDisconnected is terminal
	StateDisconnected
	// StateFailed is terminal; the connection was never established
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Endpoint is the phone's address
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns host:port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Address() }

// EventType discriminates session events
type EventType int

const (
	// EventStatus is an informational progress message
	EventStatus EventType = iota + 1
	// EventConnected is emitted once the virtual camera is ready
	EventConnected
	// EventConnectionFailed is terminal for sessions that never connected
	EventConnectionFailed
	// EventSinkFailed reports that the virtual camera could not be created;
	// EventDisconnected follows it
	EventSinkFailed
	// EventDisconnected is terminal for sessions that got past connecting
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventStatus:
		return "status"
	case EventConnected:
		return "connected"
	case EventConnectionFailed:
		return "connection_failed"
	case EventSinkFailed:
		return "sink_failed"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Terminal reports whether the event ends the session
func (t EventType) Terminal() bool {
	return t == EventConnectionFailed || t == EventDisconnected
}

// Event is delivered to the session's EventHandler
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	// Message is a human-readable summary
	Message string `json:"message"`
	// Device is set on EventConnected
	Device *vcam.Descriptor `json:"device,omitempty"`
	// Err is the cause of abnormal termination; nil when the session was stopped
	Err  error     `json:"-"`
	Time time.Time `json:"time"`
}

// EventHandler receives events on the worker goroutine and must return quickly
type EventHandler func(Event)

// Stats is a snapshot of session counters
type Stats struct {
	FramesReceived  uint64    `json:"frames_received"`
	FramesDecoded   uint64    `json:"frames_decoded"`
	FramesPublished uint64    `json:"frames_published"`
	DecodeErrors    uint64    `json:"decode_errors"`
	BytesReceived   uint64    `json:"bytes_received"`
	StartedAt       time.Time `json:"started_at,omitempty"`
}
