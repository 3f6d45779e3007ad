// Package session runs one connect, stream and disconnect attempt against a
// phone. A single worker goroutine owns the connection and the virtual camera
// device; other goroutines interact only through the command queue, Stop and
// Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/PhoneCam/internal/command"
	"github.com/bryanchriswhite/PhoneCam/internal/frame"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
	"github.com/bryanchriswhite/PhoneCam/internal/metrics"
	"github.com/bryanchriswhite/PhoneCam/internal/transport"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
)

var (
	// ErrSinkInit wraps virtual camera creation failures
	ErrSinkInit = errors.New("virtual camera initialization failed")
	// ErrSinkSubmit wraps frame submission failures
	ErrSinkSubmit = errors.New("virtual camera submission failed")
	// ErrAlreadyStarted is returned when Run is called twice
	ErrAlreadyStarted = errors.New("session already started")
	// ErrReleased is returned when resources were force-released underneath the worker
	ErrReleased = errors.New("session resources released")
)

// DefaultConnectTimeout bounds the dial when Config.ConnectTimeout is unset
const DefaultConnectTimeout = 10 * time.Second

// Dialer opens the connection to the phone
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Publisher receives every decoded frame for preview. It must not block.
type Publisher interface {
	WriteFrame(f *frame.Frame) error
}

// Config holds per-session parameters
type Config struct {
	Endpoint  Endpoint
	TargetFPS int
	// Format is the pixel layout handed to the virtual camera
	Format vcam.PixelFormat

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ChunkTimeout   time.Duration
	MaxFrameBytes  uint32
	// MaxFramePixels bounds the decoded size; zero uses frame.DefaultMaxPixels
	MaxFramePixels int
}

// Option customizes a Session
type Option func(*Session)

// WithPreview publishes decoded frames to p
func WithPreview(p Publisher) Option {
	return func(s *Session) { s.preview = p }
}

// WithEventHandler installs the event callback
func WithEventHandler(h EventHandler) Option {
	return func(s *Session) { s.handler = h }
}

// WithMetrics records pipeline metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDialer replaces the TCP dialer
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithID overrides the generated session ID
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session is one streaming attempt. Create a new Session for every attempt.
type Session struct {
	id      string
	cfg     Config
	sink    vcam.Sink
	preview Publisher
	handler EventHandler
	metrics *metrics.Metrics
	dial    Dialer
	log     *zerolog.Logger

	queue    *command.Queue
	started  atomic.Bool
	stopping atomic.Bool
	state    atomic.Int32
	done     chan struct{}

	// mu guards the handles so Close can release them from another goroutine
	mu       sync.Mutex
	conn     net.Conn
	device   vcam.Device
	released bool
	cancel   context.CancelFunc

	cleanupOnce  sync.Once
	terminalOnce sync.Once

	framesReceived  atomic.Uint64
	framesDecoded   atomic.Uint64
	framesPublished atomic.Uint64
	decodeErrors    atomic.Uint64
	bytesReceived   atomic.Uint64
	startedAt       atomic.Pointer[time.Time]
}

// New creates an idle session
func New(cfg Config, sink vcam.Sink, opts ...Option) *Session {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 30
	}
	if cfg.Format == "" {
		cfg.Format = vcam.FormatRGB24
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	s := &Session{
		cfg:   cfg,
		sink:  sink,
		queue: command.NewQueue(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.dial == nil {
		var d net.Dialer
		s.dial = d.DialContext
	}
	s.log = logger.WithSession("session", s.id)
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Endpoint returns the phone address this session targets
func (s *Session) Endpoint() Endpoint { return s.cfg.Endpoint }

// State returns the current lifecycle state
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when Run returns
func (s *Session) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of the counters
func (s *Session) Stats() Stats {
	st := Stats{
		FramesReceived:  s.framesReceived.Load(),
		FramesDecoded:   s.framesDecoded.Load(),
		FramesPublished: s.framesPublished.Load(),
		DecodeErrors:    s.decodeErrors.Load(),
		BytesReceived:   s.bytesReceived.Load(),
	}
	if t := s.startedAt.Load(); t != nil {
		st.StartedAt = *t
	}
	return st
}

// Start runs the session on its own goroutine
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go s.run(ctx)
	return nil
}

// Stop asks the worker to end the session and returns immediately. An
// in-progress read is interrupted within one chunk timeout.
func (s *Session) Stop() {
	s.stopping.Store(true)
	s.queue.Enqueue(command.Stop())
	s.cancelRun()
}

// SendCommand queues text for the phone. Commands queued before the
// connection is up are sent once streaming starts.
func (s *Session) SendCommand(text string) {
	cmd := command.Parse(text)
	if cmd.Kind == command.KindStop {
		s.Stop()
		return
	}
	s.queue.Enqueue(cmd)
}

// SwitchCamera queues a front/back camera toggle
func (s *Session) SwitchCamera() {
	s.queue.Enqueue(command.SwitchCamera())
}

// Close stops the session and releases the connection and device now. It is
// idempotent and safe from any goroutine, including while the worker is
// blocked; the worker then fails its current operation and exits.
func (s *Session) Close() {
	s.stopping.Store(true)
	s.cancelRun()
	s.cleanup()
}

// cancelRun interrupts a pending dial
func (s *Session) cancelRun() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the session on the calling goroutine until it terminates.
// The returned error is nil when the session ended on request.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	return s.run(ctx)
}

func (s *Session) run(parent context.Context) error {
	defer close(s.done)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	addr := s.cfg.Endpoint.Address()
	log := s.log.With().Str("endpoint", addr).Logger()
	running := s.running(ctx)

	s.setState(StateConnecting)
	s.status("connecting to %s", addr)

	if !running() {
		s.cleanup()
		s.finish(nil)
		return nil
	}

	conn, err := s.connect(ctx, addr)
	if err != nil {
		if !running() {
			// Stopped while dialing is not a connection failure
			s.cleanup()
			s.finish(nil)
			return nil
		}
		log.Error().Err(err).Msg("Connection failed")
		s.metrics.SessionFailed("connect")
		s.cleanup()
		s.setState(StateFailed)
		s.emitTerminal(Event{
			Type:    EventConnectionFailed,
			Message: fmt.Sprintf("connection to %s failed: %v", addr, err),
			Err:     err,
		})
		return err
	}

	started := time.Now()
	s.startedAt.Store(&started)
	s.setState(StateStreaming)
	s.metrics.SessionStarted()
	log.Info().Msg("Connected to phone")
	s.status("connected to %s", addr)

	err = s.loop(conn, running)
	s.setState(StateDisconnecting)
	s.metrics.SessionEnded(time.Since(started))

	s.cleanup()
	s.finish(err)
	return err
}

func (s *Session) connect(ctx context.Context, addr string) (net.Conn, error) {
	// Stop and Close cancel ctx, which aborts the dial
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		conn.Close()
		return nil, ErrReleased
	}
	s.conn = conn
	return conn, nil
}

// loop is the receive cycle. It returns nil when stopped on request.
func (s *Session) loop(conn net.Conn, running func() bool) error {
	reader := transport.NewReader(conn, transport.ReaderConfig{
		IdleTimeout:  s.cfg.ReadTimeout,
		ChunkTimeout: s.cfg.ChunkTimeout,
		MaxPayload:   s.cfg.MaxFrameBytes,
		Running:      running,
	})

	var device vcam.Device
	var seq uint64
	var mismatch string

	for {
		if cmd, ok := s.queue.TryDequeue(); ok {
			if cmd.Kind == command.KindStop {
				s.status("stopping on request")
				return nil
			}
			s.forward(conn, cmd)
		}

		payload, err := reader.ReadMessage()
		if err != nil {
			if transport.IsKind(err, transport.KindAborted) && !running() {
				s.status("stopping on request")
				return nil
			}
			return err
		}
		s.framesReceived.Add(1)
		s.bytesReceived.Add(uint64(len(payload)))
		s.metrics.RecordFrame(len(payload))

		f, err := frame.DecodeLimit(payload, s.cfg.MaxFramePixels)
		if err != nil {
			s.decodeErrors.Add(1)
			s.metrics.RecordDropped("decode")
			s.log.Warn().Err(err).Int("bytes", len(payload)).Msg("Skipping undecodable frame")
			continue
		}
		seq++
		f.Seq = seq
		f.Timestamp = time.Now()
		s.framesDecoded.Add(1)

		if s.preview != nil {
			if err := s.preview.WriteFrame(f); err != nil {
				s.log.Warn().Err(err).Msg("Preview publish failed")
			}
		}

		if device == nil {
			device, err = s.openDevice(f)
			if err != nil {
				if errors.Is(err, ErrReleased) {
					return nil
				}
				return err
			}
		}

		// The device keeps its first-frame size; a camera switch to a
		// different resolution is letterboxed to fit
		if desc := device.Descriptor(); f.Width() != desc.Width || f.Height() != desc.Height {
			if f.Resolution() != mismatch {
				mismatch = f.Resolution()
				s.log.Info().Str("frame", mismatch).Str("device", desc.String()).Msg("Frame size changed, scaling to device")
				s.status("frame size changed to %s, scaling to %dx%d", mismatch, desc.Width, desc.Height)
			}
			f = f.Resize(desc.Width, desc.Height)
		} else {
			mismatch = ""
		}

		if err := device.Send(f); err != nil {
			if !running() {
				return nil
			}
			s.metrics.RecordDropped("sink")
			return fmt.Errorf("%w: %w", ErrSinkSubmit, err)
		}
		s.framesPublished.Add(1)
		s.metrics.RecordPublished()
		s.log.Debug().Uint64("seq", f.Seq).Int("bytes", len(payload)).Msg("Frame published")

		device.SleepUntilNextFrame()
	}
}

// openDevice creates the virtual camera sized to the first frame
func (s *Session) openDevice(f *frame.Frame) (vcam.Device, error) {
	spec := vcam.Spec{
		Width:  f.Width(),
		Height: f.Height(),
		FPS:    s.cfg.TargetFPS,
		Format: s.cfg.Format,
	}
	s.status("first frame %s, starting virtual camera", f.Resolution())

	device, err := s.sink.Open(spec)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSinkInit, err)
		s.log.Error().Err(err).Str("sink", s.sink.Name()).Msg("Virtual camera init failed")
		s.metrics.SessionFailed("sink")
		s.emit(Event{Type: EventSinkFailed, Message: err.Error(), Err: err})
		return nil, err
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		device.Close()
		return nil, ErrReleased
	}
	s.device = device
	s.mu.Unlock()

	desc := device.Descriptor()
	s.log.Info().
		Str("device", desc.Name).
		Int("width", desc.Width).
		Int("height", desc.Height).
		Int("fps", desc.FPS).
		Msg("Virtual camera ready")
	s.emit(Event{Type: EventConnected, Message: "connected: " + desc.String(), Device: &desc})
	return device, nil
}

// forward writes cmd to the phone. Failures are reported but not fatal.
func (s *Session) forward(conn net.Conn, cmd command.Command) {
	text := cmd.WireText()
	if text == "" {
		return
	}
	if s.cfg.ReadTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	err := transport.WriteCommand(conn, text)
	s.metrics.RecordCommand(cmd.Kind.String(), err)
	if err != nil {
		s.log.Warn().Err(err).Str("command", text).Msg("Command send failed")
		s.status("command send failed: %v", err)
		return
	}
	s.log.Debug().Str("command", text).Msg("Command sent")
	s.status("command sent: %s", text)
}

func (s *Session) running(ctx context.Context) func() bool {
	return func() bool {
		return !s.stopping.Load() && ctx.Err() == nil
	}
}

// cleanup releases the connection and the device exactly once
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		conn, device := s.conn, s.device
		s.conn, s.device = nil, nil
		s.released = true
		s.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Debug().Err(err).Msg("Connection close")
			}
		}
		if device != nil {
			if err := device.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Virtual camera close failed")
			}
		}
		s.log.Debug().Msg("Session resources released")
	})
}

// finish reports the terminal Disconnected event
func (s *Session) finish(err error) {
	s.setState(StateDisconnected)
	msg := "disconnected"
	if err != nil {
		msg = fmt.Sprintf("disconnected: %v", err)
		if !errors.Is(err, ErrSinkInit) {
			s.metrics.SessionFailed("transport")
		}
		s.log.Error().Err(err).Msg("Session ended")
	} else {
		s.log.Info().Msg("Session ended")
	}
	s.emitTerminal(Event{Type: EventDisconnected, Message: msg, Err: err})
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) status(format string, args ...any) {
	s.emit(Event{Type: EventStatus, Message: fmt.Sprintf(format, args...)})
}

func (s *Session) emitTerminal(ev Event) {
	s.terminalOnce.Do(func() { s.emit(ev) })
}

func (s *Session) emit(ev Event) {
	if s.handler == nil {
		return
	}
	ev.SessionID = s.id
	ev.State = s.State()
	ev.Time = time.Now()
	s.handler(ev)
}
