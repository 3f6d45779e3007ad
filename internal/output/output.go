// Package output implements preview surfaces for decoded phone frames. The
// session calls WriteFrame on its worker goroutine, so implementations hand
// frames to their own goroutine and drop stale ones instead of blocking.
package output

import (
	"github.com/bryanchriswhite/PhoneCam/internal/frame"
)

// Output defines the interface for frame preview mechanisms:
// - MJPEG HTTP stream
// - X11 window
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame offers a frame to the output. The frame is shared with other
	// consumers and must not be modified.
	WriteFrame(f *frame.Frame) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	// Width and Height of the rendered preview; zero keeps the source size
	Width  int
	Height int
	// Quality is the JPEG quality for encoded previews
	Quality int
}

// mailbox keeps only the newest frame
type mailbox struct {
	ch chan *frame.Frame
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan *frame.Frame, 1)}
}

// put replaces any pending frame with f
func (m *mailbox) put(f *frame.Frame) {
	for {
		select {
		case m.ch <- f:
			return
		default:
		}
		select {
		case <-m.ch:
		default:
		}
	}
}
