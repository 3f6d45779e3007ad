// Package vcam defines the virtual camera contract the streaming session
// drives. A Sink opens a Device once the first frame's size is known; the
// Device accepts frames in its own pixel format and owns output pacing.
package vcam

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
)

// PixelFormat is the packed layout a device consumes
type PixelFormat string

const (
	FormatRGB24 PixelFormat = "rgb24"
	FormatBGR24 PixelFormat = "bgr24"
	FormatRGBA  PixelFormat = "rgba"
)

// Order returns the frame conversion that produces this format
func (p PixelFormat) Order() frame.Order {
	switch p {
	case FormatRGB24:
		return frame.OrderRGB24
	case FormatBGR24:
		return frame.OrderBGR24
	case FormatRGBA:
		return frame.OrderRGBA
	default:
		return ""
	}
}

// Valid reports whether the format is supported
func (p PixelFormat) Valid() bool {
	return p.Order() != ""
}

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("virtual camera closed")

// Spec is what the session asks a sink to open
type Spec struct {
	Width  int
	Height int
	FPS    int
	Format PixelFormat
}

// Validate checks the spec is openable
func (s Spec) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", s.Width, s.Height)
	}
	if s.FPS <= 0 {
		return fmt.Errorf("invalid fps %d", s.FPS)
	}
	if !s.Format.Valid() {
		return fmt.Errorf("unsupported pixel format %q", s.Format)
	}
	return nil
}

// Descriptor describes an opened device as negotiated
type Descriptor struct {
	Name   string      `json:"name"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
	FPS    int         `json:"fps"`
	Format PixelFormat `json:"format"`
}

// String renders "name (WxH @ Nfps)"
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%dx%d @ %dfps)", d.Name, d.Width, d.Height, d.FPS)
}

// Sink opens virtual camera devices
type Sink interface {
	// Open creates the device. The returned Device is owned by the caller.
	Open(spec Spec) (Device, error)
	// Name returns a human-readable backend name
	Name() string
}

// Device is an opened virtual camera. Close is idempotent and may be called
// while a Send is in flight during a forced release; it must not wait on it.
type Device interface {
	Descriptor() Descriptor
	// Send converts f to the device format and submits it
	Send(f *frame.Frame) error
	// SleepUntilNextFrame blocks until the next frame slot at the device rate
	SleepUntilNextFrame()
	Close() error
}

// Pack converts f into the layout of format, checking the size matches spec
func Pack(dst []byte, f *frame.Frame, spec Spec) ([]byte, error) {
	if f.Width() != spec.Width || f.Height() != spec.Height {
		return nil, fmt.Errorf("frame %s does not match device %dx%d", f.Resolution(), spec.Width, spec.Height)
	}
	order := spec.Format.Order()
	if order == "" {
		return nil, fmt.Errorf("unsupported pixel format %q", spec.Format)
	}
	return f.Convert(dst[:0], order), nil
}
