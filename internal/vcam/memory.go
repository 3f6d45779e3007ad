package vcam

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
)

// MemorySink opens in-process devices. With retain set it keeps every packed
// frame, which tests use to observe the session; without it, it is the
// "null" backend for running without a loopback device.
type MemorySink struct {
	retain bool

	mu      sync.Mutex
	devices []*MemoryDevice

	// OpenErr, when set, fails every Open
	OpenErr error
	// SendErr, when set, fails every Send on devices opened afterwards
	SendErr error
}

// NewMemorySink creates an in-memory sink
func NewMemorySink(retain bool) *MemorySink {
	return &MemorySink{retain: retain}
}

func (s *MemorySink) Name() string {
	if s.retain {
		return "memory"
	}
	return "null"
}

// Open creates a device; the pacer is disabled so tests run at full speed
func (s *MemorySink) Open(spec Spec) (Device, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}

	d := &MemoryDevice{
		spec:    spec,
		retain:  s.retain,
		sendErr: s.SendErr,
		desc: Descriptor{
			Name:   fmt.Sprintf("%s%d", s.Name(), len(s.devices)),
			Width:  spec.Width,
			Height: spec.Height,
			FPS:    spec.FPS,
			Format: spec.Format,
		},
	}
	s.devices = append(s.devices, d)
	return d, nil
}

// Devices returns every device opened so far
func (s *MemorySink) Devices() []*MemoryDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MemoryDevice, len(s.devices))
	copy(out, s.devices)
	return out
}

// MemoryDevice records submitted frames
type MemoryDevice struct {
	spec    Spec
	desc    Descriptor
	retain  bool
	sendErr error

	mu     sync.Mutex
	frames [][]byte
	sent   int
	waits  int
	closed int
}

func (d *MemoryDevice) Descriptor() Descriptor { return d.desc }

func (d *MemoryDevice) Send(f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed > 0 {
		return ErrClosed
	}
	if d.sendErr != nil {
		return d.sendErr
	}
	data, err := Pack(nil, f, d.spec)
	if err != nil {
		return err
	}
	if d.retain {
		d.frames = append(d.frames, data)
	}
	d.sent++
	return nil
}

func (d *MemoryDevice) SleepUntilNextFrame() {
	d.mu.Lock()
	d.waits++
	d.mu.Unlock()
}

func (d *MemoryDevice) Close() error {
	d.mu.Lock()
	d.closed++
	d.mu.Unlock()
	return nil
}

// Frames returns the retained packed frames
func (d *MemoryDevice) Frames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.frames))
	copy(out, d.frames)
	return out
}

// Sent returns how many frames were accepted
func (d *MemoryDevice) Sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

// Waits returns how many pacing waits were requested
func (d *MemoryDevice) Waits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waits
}

// CloseCalls returns how many times Close was called
func (d *MemoryDevice) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
