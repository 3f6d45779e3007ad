package output

import (
	"errors"
	"strings"
	"sync"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
)

// Multi fans frames out to several outputs
type Multi struct {
	mu      sync.RWMutex
	outputs []Output
}

// NewMulti wraps outputs
func NewMulti(outputs ...Output) *Multi {
	return &Multi{outputs: outputs}
}

// Add appends an output
func (m *Multi) Add(o Output) {
	m.mu.Lock()
	m.outputs = append(m.outputs, o)
	m.mu.Unlock()
}

// Len returns the number of wrapped outputs
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outputs)
}

func (m *Multi) snapshot() []Output {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Output, len(m.outputs))
	copy(out, m.outputs)
	return out
}

// Start starts every output, returning the joined errors
func (m *Multi) Start() error {
	var errs []error
	for _, o := range m.snapshot() {
		if err := o.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops every output, returning the joined errors
func (m *Multi) Stop() error {
	var errs []error
	for _, o := range m.snapshot() {
		if err := o.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteFrame offers f to every running output
func (m *Multi) WriteFrame(f *frame.Frame) error {
	var errs []error
	for _, o := range m.snapshot() {
		if !o.IsRunning() {
			continue
		}
		if err := o.WriteFrame(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Name() string {
	outputs := m.snapshot()
	names := make([]string, len(outputs))
	for i, o := range outputs {
		names[i] = o.Name()
	}
	return strings.Join(names, ", ")
}

// IsRunning reports whether any output is running
func (m *Multi) IsRunning() bool {
	for _, o := range m.snapshot() {
		if o.IsRunning() {
			return true
		}
	}
	return false
}
