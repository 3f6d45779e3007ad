package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
	"github.com/bryanchriswhite/PhoneCam/internal/transport"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
)

// phone starts a loopback listener that serves one connection with handle
func phone(t *testing.T, handle func(conn net.Conn)) Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

func jpegFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(i)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) terminal() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

// waitStatus blocks until a status event starting with prefix arrives
func (r *recorder) waitStatus(t *testing.T, prefix string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range r.ofType(EventStatus) {
			if strings.HasPrefix(ev.Message, prefix) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no status event %q", prefix)
}

type recordingPreview struct {
	mu     sync.Mutex
	frames []*frame.Frame
	err    error
}

func (p *recordingPreview) WriteFrame(f *frame.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return p.err
}

func (p *recordingPreview) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func testConfig(ep Endpoint) Config {
	return Config{
		Endpoint:       ep,
		TargetFPS:      30,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
		ChunkTimeout:   20 * time.Millisecond,
	}
}

func runSession(t *testing.T, s *Session) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func TestCorruptFrameDoesNotEndSession(t *testing.T) {
	good := jpegFrame(t, 64, 48)
	ep := phone(t, func(conn net.Conn) {
		transport.WriteMessage(conn, []byte{1, 2, 3, 4})
		for i := 0; i < 3; i++ {
			transport.WriteMessage(conn, good)
		}
	})

	sink := vcam.NewMemorySink(true)
	rec := &recorder{}
	preview := &recordingPreview{}
	s := New(testConfig(ep), sink, WithEventHandler(rec.handle), WithPreview(preview))

	err := runSession(t, s)
	if !transport.IsKind(err, transport.KindClosedByPeer) {
		t.Fatalf("Run() = %v, want closed by peer", err)
	}

	devices := sink.Devices()
	if len(devices) != 1 {
		t.Fatalf("opened %d devices, want 1", len(devices))
	}
	if got := devices[0].Sent(); got != 3 {
		t.Errorf("published %d frames, want 3", got)
	}
	if got := preview.count(); got != 3 {
		t.Errorf("previewed %d frames, want 3", got)
	}

	st := s.Stats()
	if st.DecodeErrors != 1 || st.FramesReceived != 4 || st.FramesPublished != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDecodeFailureThenZeroLength(t *testing.T) {
	ep := phone(t, func(conn net.Conn) {
		conn.Write([]byte{0, 0, 0, 4, 1, 2, 3, 4})
		conn.Write([]byte{0, 0, 0, 0})
		io.Copy(io.Discard, conn)
	})

	rec := &recorder{}
	s := New(testConfig(ep), vcam.NewMemorySink(true), WithEventHandler(rec.handle))

	err := runSession(t, s)
	if !transport.IsKind(err, transport.KindProtocol) || !errors.Is(err, transport.ErrZeroLength) {
		t.Fatalf("Run() = %v, want zero-length protocol error", err)
	}
	if got := s.Stats().DecodeErrors; got != 1 {
		t.Errorf("decode errors = %d, want 1", got)
	}
	if n := len(rec.ofType(EventConnected)); n != 0 {
		t.Errorf("got %d connected events, want 0", n)
	}

	terminal := rec.terminal()
	if len(terminal) != 1 || terminal[0].Type != EventDisconnected || terminal[0].Err == nil {
		t.Fatalf("terminal events = %+v", terminal)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s", s.State())
	}
}

func TestSingleFrameThenClose(t *testing.T) {
	payload := jpegFrame(t, 64, 48)
	ep := phone(t, func(conn net.Conn) {
		transport.WriteMessage(conn, payload)
	})

	sink := vcam.NewMemorySink(true)
	rec := &recorder{}
	s := New(testConfig(ep), sink, WithEventHandler(rec.handle))
	runSession(t, s)

	connected := rec.ofType(EventConnected)
	if len(connected) != 1 {
		t.Fatalf("got %d connected events, want 1", len(connected))
	}
	dev := connected[0].Device
	if dev == nil || dev.Width != 64 || dev.Height != 48 || dev.FPS != 30 {
		t.Fatalf("descriptor = %+v", dev)
	}
	if got := dev.String(); got != "memory0 (64x48 @ 30fps)" {
		t.Errorf("descriptor string = %q", got)
	}

	frames := sink.Devices()[0].Frames()
	if len(frames) != 1 || len(frames[0]) != 64*48*3 {
		t.Fatalf("published %d frames", len(frames))
	}

	terminal := rec.terminal()
	if len(terminal) != 1 || terminal[0].Type != EventDisconnected {
		t.Fatalf("terminal events = %+v", terminal)
	}
	if sink.Devices()[0].CloseCalls() != 1 {
		t.Errorf("device closed %d times", sink.Devices()[0].CloseCalls())
	}
}

func TestStopBeforeAnyFrame(t *testing.T) {
	ep := phone(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})

	sink := vcam.NewMemorySink(true)
	rec := &recorder{}
	s := New(testConfig(ep), sink, WithEventHandler(rec.handle))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitStatus(t, "connected to")

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt the read")
	}

	if n := len(rec.ofType(EventConnected)); n != 0 {
		t.Errorf("got %d connected events", n)
	}
	if n := len(rec.ofType(EventConnectionFailed)); n != 0 {
		t.Errorf("got %d connection failed events", n)
	}
	terminal := rec.terminal()
	if len(terminal) != 1 || terminal[0].Type != EventDisconnected || terminal[0].Err != nil {
		t.Fatalf("terminal events = %+v", terminal)
	}
	if len(sink.Devices()) != 0 {
		t.Error("device opened without frames")
	}
}

func TestStopBeforeStart(t *testing.T) {
	rec := &recorder{}
	s := New(testConfig(Endpoint{Host: "127.0.0.1", Port: 1}), vcam.NewMemorySink(true), WithEventHandler(rec.handle))
	s.Stop()

	if err := runSession(t, s); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if n := len(rec.ofType(EventConnectionFailed)); n != 0 {
		t.Errorf("got %d connection failed events", n)
	}
}

func TestCommandsQueuedBeforeConnectAreFlushed(t *testing.T) {
	payload := jpegFrame(t, 16, 16)
	lines := make(chan string, 2)
	ep := phone(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for i := 0; i < 2; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
			// Commands are polled once per received message
			transport.WriteMessage(conn, payload)
		}
		io.Copy(io.Discard, r)
	})

	rec := &recorder{}
	s := New(testConfig(ep), vcam.NewMemorySink(true), WithEventHandler(rec.handle))
	s.SwitchCamera()
	s.SendCommand("PING")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	want := []string{"CMD:SWITCH_CAM\n", "PING\n"}
	for i, w := range want {
		select {
		case got := <-lines:
			if got != w {
				t.Fatalf("line %d = %q, want %q", i, got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("line %d not received", i)
		}
	}
}

func TestCleanupIdempotent(t *testing.T) {
	t.Run("never started", func(t *testing.T) {
		s := New(testConfig(Endpoint{Host: "127.0.0.1", Port: 1}), vcam.NewMemorySink(true))
		s.Close()
		s.Close()
	})

	t.Run("after run", func(t *testing.T) {
		payload := jpegFrame(t, 16, 16)
		ep := phone(t, func(conn net.Conn) {
			transport.WriteMessage(conn, payload)
		})
		sink := vcam.NewMemorySink(true)
		s := New(testConfig(ep), sink)
		runSession(t, s)
		s.Close()
		s.Close()
		if got := sink.Devices()[0].CloseCalls(); got != 1 {
			t.Fatalf("device closed %d times, want 1", got)
		}
	})
}

func TestCloseUnblocksWorker(t *testing.T) {
	ep := phone(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})

	cfg := testConfig(ep)
	cfg.ChunkTimeout = 5 * time.Second
	cfg.ReadTimeout = 10 * time.Second
	rec := &recorder{}
	s := New(cfg, vcam.NewMemorySink(true), WithEventHandler(rec.handle))
	s.Start(context.Background())
	rec.waitStatus(t, "connected to")

	s.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock the worker")
	}
	if terminal := rec.terminal(); len(terminal) != 1 || terminal[0].Err != nil {
		t.Fatalf("terminal events = %+v", terminal)
	}
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	rec := &recorder{}
	s := New(testConfig(Endpoint{Host: "127.0.0.1", Port: port}), vcam.NewMemorySink(true), WithEventHandler(rec.handle))
	if err := runSession(t, s); err == nil {
		t.Fatal("expected dial error")
	}

	terminal := rec.terminal()
	if len(terminal) != 1 || terminal[0].Type != EventConnectionFailed {
		t.Fatalf("terminal events = %+v", terminal)
	}
	if n := len(rec.ofType(EventDisconnected)); n != 0 {
		t.Errorf("got %d disconnected events", n)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
}

func TestSinkInitFailure(t *testing.T) {
	payload := jpegFrame(t, 32, 32)
	ep := phone(t, func(conn net.Conn) {
		transport.WriteMessage(conn, payload)
		io.Copy(io.Discard, conn)
	})

	sink := vcam.NewMemorySink(true)
	sink.OpenErr = errors.New("v4l2loopback not loaded")
	rec := &recorder{}
	preview := &recordingPreview{err: errors.New("preview closed")}
	s := New(testConfig(ep), sink, WithEventHandler(rec.handle), WithPreview(preview))

	err := runSession(t, s)
	if !errors.Is(err, ErrSinkInit) {
		t.Fatalf("Run() = %v, want ErrSinkInit", err)
	}
	if n := len(rec.ofType(EventSinkFailed)); n != 1 {
		t.Errorf("got %d sink failed events, want 1", n)
	}
	if n := len(rec.ofType(EventConnected)); n != 0 {
		t.Errorf("got %d connected events", n)
	}
	terminal := rec.terminal()
	if len(terminal) != 1 || terminal[0].Type != EventDisconnected {
		t.Fatalf("terminal events = %+v", terminal)
	}
	// Preview failures are logged only
	if preview.count() != 1 {
		t.Errorf("previewed %d frames, want 1", preview.count())
	}
}

func TestRunTwice(t *testing.T) {
	s := New(testConfig(Endpoint{Host: "127.0.0.1", Port: 1}), vcam.NewMemorySink(true))
	s.Stop()
	runSession(t, s)
	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Run() = %v", err)
	}
}

func TestStateNames(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateStreaming, "streaming"},
		{StateDisconnecting, "disconnecting"},
		{StateDisconnected, "disconnected"},
		{StateFailed, "failed"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestSinkSubmitFailure(t *testing.T) {
	payload := jpegFrame(t, 32, 32)
	ep := phone(t, func(conn net.Conn) {
		for transport.WriteMessage(conn, payload) == nil {
			time.Sleep(5 * time.Millisecond)
		}
	})

	sink := vcam.NewMemorySink(true)
	sink.SendErr = errors.New("device gone")
	rec := &recorder{}
	s := New(testConfig(ep), sink, WithEventHandler(rec.handle))

	err := runSession(t, s)
	if !errors.Is(err, ErrSinkSubmit) {
		t.Fatalf("Run() = %v, want ErrSinkSubmit", err)
	}
	terminal := rec.terminal()
	if len(terminal) != 1 || terminal[0].Type != EventDisconnected || !errors.Is(terminal[0].Err, ErrSinkSubmit) {
		t.Fatalf("terminal events = %+v", terminal)
	}
	if len(sink.Devices()) != 1 {
		t.Fatalf("opened %d devices, want 1", len(sink.Devices()))
	}
	if n := sink.Devices()[0].CloseCalls(); n != 1 {
		t.Errorf("device closed %d times, want 1", n)
	}
	if st := s.Stats(); st.FramesPublished != 0 {
		t.Errorf("published %d frames", st.FramesPublished)
	}
}

// writeFailConn reads normally but fails every write
type writeFailConn struct {
	net.Conn
}

func (c writeFailConn) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestCommandSendFailureIsNotFatal(t *testing.T) {
	payload := jpegFrame(t, 32, 24)
	ep := phone(t, func(conn net.Conn) {
		for transport.WriteMessage(conn, payload) == nil {
			time.Sleep(5 * time.Millisecond)
		}
	})

	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return writeFailConn{conn}, nil
	}

	sink := vcam.NewMemorySink(false)
	rec := &recorder{}
	s := New(testConfig(ep), sink, WithEventHandler(rec.handle), WithDialer(dial))
	s.SwitchCamera()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec.waitStatus(t, "command send failed")
	after := s.Stats().FramesReceived
	deadline := time.Now().Add(3 * time.Second)
	for s.Stats().FramesReceived <= after+2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Stats().FramesReceived; got <= after+2 {
		t.Fatalf("receiving stalled after the failed command: %d frames, was %d", got, after)
	}
	if n := len(rec.terminal()); n != 0 {
		t.Fatalf("session ended after a failed command: %+v", rec.terminal())
	}

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	terminal := rec.terminal()
	if len(terminal) != 1 || terminal[0].Type != EventDisconnected || terminal[0].Err != nil {
		t.Fatalf("terminal events = %+v", terminal)
	}
}

func TestStopAbortsPendingDial(t *testing.T) {
	dialing := make(chan struct{})
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	rec := &recorder{}
	cfg := testConfig(Endpoint{Host: "192.0.2.1", Port: 8888})
	cfg.ConnectTimeout = 30 * time.Second
	s := New(cfg, vcam.NewMemorySink(true), WithEventHandler(rec.handle), WithDialer(dial))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	<-dialing

	start := time.Now()
	s.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not abort the dial")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("dial abort took %v", elapsed)
	}
	if n := len(rec.ofType(EventConnectionFailed)); n != 0 {
		t.Errorf("got %d connection failed events", n)
	}
}

func TestResolutionChangeIsScaled(t *testing.T) {
	large := jpegFrame(t, 64, 48)
	small := jpegFrame(t, 32, 24)
	ep := phone(t, func(conn net.Conn) {
		transport.WriteMessage(conn, large)
		transport.WriteMessage(conn, small)
		transport.WriteMessage(conn, small)
	})

	sink := vcam.NewMemorySink(true)
	rec := &recorder{}
	preview := &recordingPreview{}
	s := New(testConfig(ep), sink, WithEventHandler(rec.handle), WithPreview(preview))
	runSession(t, s)

	if n := len(sink.Devices()); n != 1 {
		t.Fatalf("opened %d devices, want 1", n)
	}
	frames := sink.Devices()[0].Frames()
	if len(frames) != 3 {
		t.Fatalf("published %d frames, want 3", len(frames))
	}
	for i, data := range frames {
		if len(data) != 64*48*3 {
			t.Errorf("frame %d: %d bytes, want %d", i, len(data), 64*48*3)
		}
	}

	var changes int
	for _, ev := range rec.ofType(EventStatus) {
		if strings.HasPrefix(ev.Message, "frame size changed to 32x24") {
			changes++
		}
	}
	if changes != 1 {
		t.Errorf("got %d frame size status events, want 1", changes)
	}

	// preview keeps the phone's own resolution
	preview.mu.Lock()
	last := preview.frames[len(preview.frames)-1]
	preview.mu.Unlock()
	if last.Width() != 32 || last.Height() != 24 {
		t.Errorf("preview frame = %s", last.Resolution())
	}
}
