// Package controller is the user-facing side of streaming: it starts one
// session at a time, relays commands, fans session events out to
// subscribers and enforces a bounded shutdown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/PhoneCam/internal/command"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
	"github.com/bryanchriswhite/PhoneCam/internal/metrics"
	"github.com/bryanchriswhite/PhoneCam/internal/session"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is active
	ErrAlreadyRunning = errors.New("a session is already running")
	// ErrNoSession is returned when there is no session to command
	ErrNoSession = errors.New("no active session")
)

const DefaultShutdownGrace = time.Second

// ReconnectConfig enables restarting after unrequested disconnects
type ReconnectConfig struct {
	Enabled       bool
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// Options configures a Controller
type Options struct {
	// Session holds defaults for every session; Start may override the
	// endpoint and rate
	Session       session.Config
	Reconnect     ReconnectConfig
	ShutdownGrace time.Duration
	Preview       session.Publisher
	Metrics       *metrics.Metrics
	// Dialer replaces the TCP dialer, mainly for tests
	Dialer session.Dialer
}

// Status is a snapshot of the controller
type Status struct {
	Running    bool             `json:"running"`
	State      session.State    `json:"state"`
	SessionID  string           `json:"session_id,omitempty"`
	Endpoint   session.Endpoint `json:"endpoint"`
	Device     *vcam.Descriptor `json:"device,omitempty"`
	Stats      session.Stats    `json:"stats"`
	LastError  string           `json:"last_error,omitempty"`
	Reconnects int              `json:"reconnects"`
}

// Controller manages the session lifecycle
type Controller struct {
	opts Options
	sink vcam.Sink
	log  *zerolog.Logger

	mu         sync.Mutex
	current    *session.Session
	cancel     context.CancelFunc
	runDone    chan struct{}
	requested  bool
	state      session.State
	device     *vcam.Descriptor
	lastErr    string
	reconnects int

	lisMu     sync.RWMutex
	listeners []chan session.Event
}

// New creates a controller that opens virtual cameras through sink
func New(sink vcam.Sink, opts Options) *Controller {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	return &Controller{
		opts: opts,
		sink: sink,
		log:  logger.WithComponent("controller"),
	}
}

// Start begins streaming from endpoint at fps. Zero values fall back to the
// configured defaults.
func (c *Controller) Start(endpoint session.Endpoint, fps int) error {
	cfg := c.opts.Session
	if endpoint.Host != "" {
		cfg.Endpoint.Host = endpoint.Host
	}
	if endpoint.Port != 0 {
		cfg.Endpoint.Port = endpoint.Port
	}
	if fps > 0 {
		cfg.TargetFPS = fps
	}
	if cfg.Endpoint.Host == "" || cfg.Endpoint.Port <= 0 {
		return fmt.Errorf("invalid endpoint %q", cfg.Endpoint.Address())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runDone != nil {
		select {
		case <-c.runDone:
		default:
			return ErrAlreadyRunning
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runDone = make(chan struct{})
	c.requested = false
	c.reconnects = 0
	c.device = nil
	c.lastErr = ""
	c.state = session.StateConnecting

	c.log.Info().Str("endpoint", cfg.Endpoint.Address()).Int("fps", cfg.TargetFPS).Msg("Starting session")
	go c.run(ctx, cfg, c.runDone)
	return nil
}

// run drives sessions until one ends on request or reconnecting gives up
func (c *Controller) run(ctx context.Context, cfg session.Config, done chan struct{}) {
	defer close(done)
	defer c.cancelCtx()

	attempt := 0
	for {
		opts := []session.Option{
			session.WithEventHandler(c.handle),
			session.WithMetrics(c.opts.Metrics),
		}
		if c.opts.Preview != nil {
			opts = append(opts, session.WithPreview(c.opts.Preview))
		}
		if c.opts.Dialer != nil {
			opts = append(opts, session.WithDialer(c.opts.Dialer))
		}
		s := session.New(cfg, c.sink, opts...)

		c.mu.Lock()
		if c.requested {
			c.mu.Unlock()
			return
		}
		c.current = s
		c.mu.Unlock()

		err := s.Run(ctx)
		if err == nil || ctx.Err() != nil || c.stopRequested() {
			return
		}

		rc := c.opts.Reconnect
		if !rc.Enabled || errors.Is(err, session.ErrSinkInit) {
			return
		}
		if s.Stats().FramesPublished > 0 {
			// The session was healthy; start the retry budget over
			attempt = 0
		}
		attempt++
		if attempt > rc.MaxRetries {
			c.status(s.ID(), fmt.Sprintf("giving up after %d reconnect attempts", rc.MaxRetries))
			return
		}

		delay := calculateBackoff(attempt, rc)
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		c.opts.Metrics.Reconnect()
		c.log.Warn().Int("attempt", attempt).Int("max_retries", rc.MaxRetries).Dur("delay", delay).Msg("Reconnecting")
		c.status(s.ID(), fmt.Sprintf("reconnecting in %s (attempt %d/%d)", delay, attempt, rc.MaxRetries))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

func (c *Controller) cancelCtx() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}

func (c *Controller) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// Stop asks the active session to end and returns immediately
func (c *Controller) Stop() {
	c.mu.Lock()
	c.requested = true
	s := c.current
	cancel := c.cancel
	c.mu.Unlock()

	if s != nil {
		s.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the current run, including reconnects, has ended
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runDone == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.runDone
}

// Shutdown stops the session and waits up to grace for it to finish, then
// force-releases its connection and device and waits up to grace again.
// A zero grace uses the configured default.
func (c *Controller) Shutdown(grace time.Duration) error {
	if grace <= 0 {
		grace = c.opts.ShutdownGrace
	}
	c.Stop()
	done := c.Done()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	c.log.Warn().Dur("grace", grace).Msg("Session did not stop in time, forcing release")
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		if s != nil {
			s.Close()
		}
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}
	select {
	case <-closed:
		return errors.New("session worker did not exit after forced release")
	default:
		return errors.New("forced release did not complete in time")
	}
}

// activeSession returns the session that can still accept commands
func (c *Controller) activeSession() (*session.Session, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil || s.State().Terminal() {
		return nil, ErrNoSession
	}
	return s, nil
}

// SendCommand queues text for the phone. "STOP" stops the session.
func (c *Controller) SendCommand(text string) error {
	if command.Parse(text).Kind == command.KindStop {
		if _, err := c.activeSession(); err != nil {
			return err
		}
		c.Stop()
		return nil
	}
	s, err := c.activeSession()
	if err != nil {
		return err
	}
	s.SendCommand(text)
	return nil
}

// SwitchCamera asks the phone to toggle between front and back cameras
func (c *Controller) SwitchCamera() error {
	s, err := c.activeSession()
	if err != nil {
		return err
	}
	s.SwitchCamera()
	return nil
}

// Status returns a snapshot of the controller and its session
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:      c.state,
		LastError:  c.lastErr,
		Reconnects: c.reconnects,
		Endpoint:   c.opts.Session.Endpoint,
	}
	if c.runDone != nil {
		select {
		case <-c.runDone:
		default:
			st.Running = true
		}
	}
	if c.device != nil {
		d := *c.device
		st.Device = &d
	}
	if s := c.current; s != nil {
		st.SessionID = s.ID()
		st.Endpoint = s.Endpoint()
		st.Stats = s.Stats()
	}
	return st
}

// handle runs on the session worker goroutine
func (c *Controller) handle(ev session.Event) {
	c.mu.Lock()
	if c.current == nil || c.current.ID() == ev.SessionID {
		c.state = ev.State
		switch ev.Type {
		case session.EventConnected:
			c.device = ev.Device
			c.lastErr = ""
		case session.EventSinkFailed, session.EventConnectionFailed, session.EventDisconnected:
			if ev.Type.Terminal() {
				c.device = nil
			}
			if ev.Err != nil {
				c.lastErr = ev.Err.Error()
			}
		}
	}
	c.mu.Unlock()

	c.notifyListeners(ev)
}

func (c *Controller) status(sessionID, msg string) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	c.notifyListeners(session.Event{
		Type:      session.EventStatus,
		SessionID: sessionID,
		State:     state,
		Message:   msg,
		Time:      time.Now(),
	})
}

// Subscribe returns a channel receiving every event. Slow subscribers miss
// events rather than stall the session.
func (c *Controller) Subscribe() chan session.Event {
	ch := make(chan session.Event, 32)
	c.lisMu.Lock()
	c.listeners = append(c.listeners, ch)
	c.lisMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener
func (c *Controller) Unsubscribe(ch chan session.Event) {
	c.lisMu.Lock()
	defer c.lisMu.Unlock()

	for i, listener := range c.listeners {
		if listener == ch {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (c *Controller) notifyListeners(ev session.Event) {
	c.lisMu.RLock()
	defer c.lisMu.RUnlock()

	for _, listener := range c.listeners {
		select {
		case listener <- ev:
		default:
			// Skip if channel is full
		}
	}
}
