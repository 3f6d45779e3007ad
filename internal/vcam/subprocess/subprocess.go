// Package subprocess feeds a v4l2 loopback device by piping raw frames into
// a gst-launch-1.0 child process. It avoids linking GStreamer through cgo.
package subprocess

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
)

// Launcher builds the command for a pipeline description
type Launcher func(pipeline string) *exec.Cmd

// GstLaunch runs the pipeline with gst-launch-1.0
func GstLaunch(pipeline string) *exec.Cmd {
	// sh -c keeps the ! separators intact; exec makes the pid gst-launch's
	return exec.Command("sh", "-c", "exec gst-launch-1.0 -q "+pipeline)
}

const (
	// DefaultStartupWait is how long Open watches for the child failing fast
	DefaultStartupWait = 300 * time.Millisecond
	// reapTimeout bounds how long Close waits for a killed child
	reapTimeout = 2 * time.Second
)

// CheckDevice fails when path is not an existing device node
func CheckDevice(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("loopback device %s not found (is v4l2loopback loaded?)", path)
		}
		return fmt.Errorf("loopback device %s: %w", path, err)
	}
	if info.Mode()&os.ModeDevice == 0 {
		return fmt.Errorf("%s is not a device node", path)
	}
	return nil
}

// Sink starts one child process per opened device
type Sink struct {
	Device string
	Launch Launcher
	// StartupWait is how long Open waits to see the child exit early
	StartupWait time.Duration
	// Probe checks the device before launching; nil skips the check
	Probe func(device string) error
}

// New creates a sink for the given loopback device node
func New(device string) *Sink {
	if device == "" {
		device = vcam.DefaultDevice
	}
	return &Sink{
		Device:      device,
		Launch:      GstLaunch,
		StartupWait: DefaultStartupWait,
		Probe:       CheckDevice,
	}
}

func (s *Sink) Name() string { return "gst-launch" }

// Pipeline returns the pipeline description used for spec
func (s *Sink) Pipeline(spec vcam.Spec) string {
	return fmt.Sprintf(
		"fdsrc fd=0 ! rawvideoparse width=%d height=%d format=%s framerate=%d/1 ! %s",
		spec.Width, spec.Height, strings.ToLower(spec.Format.GstFormat()), spec.FPS,
		vcam.LoopbackTail(s.Device),
	)
}

// Open starts the child process. A child that exits within StartupWait (a
// bad device or pipeline) is reported here rather than on the first Send.
func (s *Sink) Open(spec vcam.Spec) (vcam.Device, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if s.Probe != nil {
		if err := s.Probe(s.Device); err != nil {
			return nil, err
		}
	}

	log := logger.WithComponent("vcam-subprocess")
	pipelineStr := s.Pipeline(spec)
	log.Debug().Str("pipeline", pipelineStr).Msg("Starting GStreamer subprocess")

	launch := s.Launch
	if launch == nil {
		launch = GstLaunch
	}
	cmd := launch(pipelineStr)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start gst-launch: %w", err)
	}

	d := &device{
		spec:   spec,
		cmd:    cmd,
		stdin:  stdin,
		pacer:  vcam.NewPacer(spec.FPS),
		exited: make(chan struct{}),
		desc: vcam.Descriptor{
			Name:   s.Device,
			Width:  spec.Width,
			Height: spec.Height,
			FPS:    spec.FPS,
			Format: spec.Format,
		},
	}

	// stderr must be drained before Wait closes it
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		logStderr(stderr, &d.lastErrLine)
	}()
	go func() {
		<-stderrDone
		d.waitErr = cmd.Wait()
		close(d.exited)
	}()

	if s.StartupWait > 0 {
		select {
		case <-d.exited:
			stdin.Close()
			return nil, fmt.Errorf("gst-launch exited during startup: %w", d.exitError())
		case <-time.After(s.StartupWait):
		}
	}

	log.Info().Str("device", d.desc.String()).Int("pid", cmd.Process.Pid).Msg("GStreamer subprocess started")
	return d, nil
}

// logStderr forwards child output to the log, remembering the last line
func logStderr(r io.Reader, last *atomic.Value) {
	log := logger.WithComponent("vcam-subprocess")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			last.Store(line)
		}
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

type device struct {
	spec  vcam.Spec
	desc  vcam.Descriptor
	pacer *vcam.Pacer
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// mu serializes Send; Close never takes it so a stalled write cannot
	// hold up release
	mu  sync.Mutex
	buf []byte

	closed      atomic.Bool
	closeOnce   sync.Once
	exited      chan struct{}
	waitErr     error
	lastErrLine atomic.Value
}

func (d *device) Descriptor() vcam.Descriptor { return d.desc }

// exitError describes how the child ended. Only valid after exited is closed.
func (d *device) exitError() error {
	err := d.waitErr
	if err == nil {
		err = errors.New("exit status 0")
	}
	if line, ok := d.lastErrLine.Load().(string); ok {
		return fmt.Errorf("%w: %s", err, line)
	}
	return err
}

func (d *device) Send(f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return vcam.ErrClosed
	}
	select {
	case <-d.exited:
		return fmt.Errorf("gst-launch exited: %w", d.exitError())
	default:
	}

	data, err := vcam.Pack(d.buf, f, d.spec)
	if err != nil {
		return err
	}
	d.buf = data

	if _, err := d.stdin.Write(data); err != nil {
		if d.closed.Load() {
			return vcam.ErrClosed
		}
		return fmt.Errorf("write frame to gst-launch: %w", err)
	}
	return nil
}

func (d *device) SleepUntilNextFrame() {
	d.pacer.Wait()
}

// Close ends the stream on stdin and reaps the child. It does not wait for
// an in-flight Send; closing the pipe and killing the child unblocks it.
func (d *device) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		log := logger.WithComponent("vcam-subprocess")

		d.stdin.Close()
		if d.cmd.Process != nil {
			log.Debug().Int("pid", d.cmd.Process.Pid).Msg("Killing GStreamer subprocess")
			d.cmd.Process.Kill()
		}
		select {
		case <-d.exited:
		case <-time.After(reapTimeout):
			log.Warn().Str("device", d.desc.Name).Msg("GStreamer subprocess did not exit after kill")
		}
		log.Info().Str("device", d.desc.Name).Msg("GStreamer subprocess stopped")
	})
	return nil
}
