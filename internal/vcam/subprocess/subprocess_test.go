package subprocess

import (
	"errors"
	"image"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
)

func TestPipeline(t *testing.T) {
	s := New("/dev/video3")
	got := s.Pipeline(vcam.Spec{Width: 320, Height: 240, FPS: 15, Format: vcam.FormatRGB24})
	want := "fdsrc fd=0 ! rawvideoparse width=320 height=240 format=rgb framerate=15/1 ! videoconvert ! v4l2sink device=/dev/video3 sync=false"
	if got != want {
		t.Fatalf("Pipeline = %q\nwant %q", got, want)
	}
}

func TestOpenSendClose(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	var gotPipeline string
	s := New("")
	s.Probe = nil
	s.Launch = func(pipeline string) *exec.Cmd {
		gotPipeline = pipeline
		return exec.Command("sh", "-c", "cat > /dev/null")
	}

	dev, err := s.Open(vcam.Spec{Width: 4, Height: 2, FPS: 30, Format: vcam.FormatRGB24})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotPipeline == "" {
		t.Fatal("launcher not called")
	}
	if got := dev.Descriptor().String(); got != "/dev/video10 (4x2 @ 30fps)" {
		t.Fatalf("descriptor = %q", got)
	}

	f := frame.FromRGBA(image.NewRGBA(image.Rect(0, 0, 4, 2)))
	for i := 0; i < 3; i++ {
		if err := dev.Send(f); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := dev.Send(f); !errors.Is(err, vcam.ErrClosed) {
		t.Fatalf("Send after Close = %v", err)
	}
}

func TestOpenRejectsInvalidSpec(t *testing.T) {
	s := New("")
	if _, err := s.Open(vcam.Spec{Width: 0, Height: 2, FPS: 30, Format: vcam.FormatRGB24}); err == nil {
		t.Fatal("expected error")
	}
}

func shSink(t *testing.T, script string) *Sink {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	s := New("")
	s.Probe = nil
	s.StartupWait = 100 * time.Millisecond
	s.Launch = func(string) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
	return s
}

func TestCloseUnblocksStalledSend(t *testing.T) {
	// the child never reads stdin, so a large frame fills the pipe
	s := shSink(t, "exec sleep 30")
	dev, err := s.Open(vcam.Spec{Width: 1280, Height: 720, FPS: 30, Format: vcam.FormatRGB24})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	f := frame.FromRGBA(image.NewRGBA(image.Rect(0, 0, 1280, 720)))
	sendDone := make(chan error, 1)
	go func() { sendDone <- dev.Send(f) }()

	select {
	case err := <-sendDone:
		t.Fatalf("Send returned before Close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	closeDone := make(chan error, 1)
	go func() { closeDone <- dev.Close() }()

	select {
	case err := <-closeDone:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind the pending Send")
	}

	select {
	case err := <-sendDone:
		if !errors.Is(err, vcam.ErrClosed) {
			t.Fatalf("pending Send = %v, want ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending Send never returned")
	}
}

func TestOpenReportsEarlyExit(t *testing.T) {
	s := shSink(t, "echo 'ERROR: could not open device' >&2; exit 1")
	s.StartupWait = 2 * time.Second

	start := time.Now()
	_, err := s.Open(vcam.Spec{Width: 4, Height: 2, FPS: 30, Format: vcam.FormatRGB24})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "could not open device") {
		t.Fatalf("error %q does not carry child stderr", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Open waited the full startup window: %v", time.Since(start))
	}
}

func TestOpenChecksDevice(t *testing.T) {
	t.Run("missing node", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "video42")
		s := New(missing)
		s.Launch = func(string) *exec.Cmd {
			t.Fatal("launcher called for a missing device")
			return nil
		}
		_, err := s.Open(vcam.Spec{Width: 4, Height: 2, FPS: 30, Format: vcam.FormatRGB24})
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Fatalf("Open = %v, want not found", err)
		}
	})

	t.Run("not a device", func(t *testing.T) {
		if err := CheckDevice(t.TempDir()); err == nil {
			t.Fatal("expected error for a directory")
		}
	})
}
