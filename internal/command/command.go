// Package command carries controller intent to the session worker. Any
// goroutine may enqueue; only the worker dequeues, once per receive cycle.
package command

import (
	"strings"
	"sync"
)

// Wire texts understood by the phone
const (
	SwitchCameraText = "CMD:SWITCH_CAM"
	stopText         = "STOP"
)

// Kind discriminates commands
type Kind int

const (
	// KindStop ends the session
	KindStop Kind = iota + 1
	// KindSwitchCamera asks the phone to flip between front and back cameras
	KindSwitchCamera
	// KindForward sends arbitrary text to the phone
	KindForward
)

func (k Kind) String() string {
	switch k {
	case KindStop:
		return "stop"
	case KindSwitchCamera:
		return "switch_camera"
	case KindForward:
		return "forward"
	default:
		return "unknown"
	}
}

// Command is one queued unit of controller intent
type Command struct {
	Kind Kind
	// Text is the outbound line for KindForward
	Text string
}

// Stop returns the stop command
func Stop() Command { return Command{Kind: KindStop} }

// SwitchCamera returns the camera switch command
func SwitchCamera() Command { return Command{Kind: KindSwitchCamera, Text: SwitchCameraText} }

// Forward returns a command that sends text to the phone verbatim
func Forward(text string) Command { return Command{Kind: KindForward, Text: text} }

// Parse maps a free-form text command onto a Command
func Parse(text string) Command {
	trimmed := strings.TrimSpace(text)
	switch strings.ToUpper(trimmed) {
	case stopText:
		return Stop()
	case SwitchCameraText:
		return SwitchCamera()
	}
	return Forward(text)
}

// WireText returns the text line sent to the phone, or "" for local-only commands
func (c Command) WireText() string {
	switch c.Kind {
	case KindSwitchCamera:
		return SwitchCameraText
	case KindForward:
		return c.Text
	default:
		return ""
	}
}

// Queue is an unbounded FIFO safe for concurrent use. Enqueue never blocks
// and keeps working after the consumer has gone away.
type Queue struct {
	mu    sync.Mutex
	items []Command
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends cmd
func (q *Queue) Enqueue(cmd Command) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()
}

// TryDequeue pops the oldest command; ok is false when the queue is empty
func (q *Queue) TryDequeue() (cmd Command, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Command{}, false
	}
	cmd = q.items[0]
	q.items[0] = Command{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return cmd, true
}

// Len returns the number of pending commands
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
